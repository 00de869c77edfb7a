package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// wgetPartialExit is wget's "server issued an error response" code, returned
// when some page requisite 404s while the page itself saved fine.
const wgetPartialExit = 8

func wgetExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName:     NameWget,
		Outputs:           []string{NameWget},
		DisabledByDefault: true,
		Network:           true,
		Predicate:         IsHTTP,
		Build: func(task Task) (Invocation, error) {
			args := []string{
				s.binary(NameWget, "wget"),
				"--no-verbose",
				"--adjust-extension",
				"--convert-links",
				"--force-directories",
				"--backup-converted",
				"--span-hosts",
				"--no-parent",
				"--page-requisites",
				"--restrict-file-names=windows",
				"-e", "robots=off",
				"--timeout=" + strconv.Itoa(int(task.Timeout.Seconds())),
			}
			if s.UserAgent != "" {
				args = append(args, "--user-agent="+s.UserAgent)
			}
			args = append(args, s.extra(NameWget)...)
			args = append(args, task.Snapshot.URL)
			return Invocation{Args: args, SuccessCodes: []int{0, wgetPartialExit}}, nil
		},
	}
}

func gitExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName: NameGit,
		Outputs:       []string{NameGit + "/repo"},
		Network:       true,
		Predicate:     IsGitRepo,
		Build: func(task Task) (Invocation, error) {
			// git refuses to clone into a non-empty directory left by a failed attempt.
			if err := os.RemoveAll(filepath.Join(task.OutDir, "repo")); err != nil {
				return Invocation{}, fmt.Errorf("clear previous clone: %w", err)
			}
			args := []string{s.binary(NameGit, "git"), "clone", "--recursive"}
			args = append(args, s.extra(NameGit)...)
			args = append(args, task.Snapshot.URL, "repo")
			return Invocation{Args: args, Env: []string{"GIT_TERMINAL_PROMPT=0"}}, nil
		},
	}
}

func mediaExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName: NameMedia,
		Outputs:       []string{NameMedia},
		Timeout:       MediaTimeout,
		Network:       true,
		Predicate:     IsMedia,
		Build: func(task Task) (Invocation, error) {
			args := []string{
				s.binary(NameMedia, "yt-dlp"),
				"--no-progress",
				"--no-playlist",
				"--restrict-filenames",
				"--write-info-json",
				"--write-description",
				"--write-thumbnail",
				"--write-subs",
				"--write-auto-subs",
				"--convert-subs=srt",
				"--add-metadata",
				"--continue",
				"--output", "%(title).200B.%(ext)s",
			}
			if s.UserAgent != "" {
				args = append(args, "--user-agent", s.UserAgent)
			}
			args = append(args, s.extra(NameMedia)...)
			args = append(args, task.Snapshot.URL)
			return Invocation{Args: args}, nil
		},
	}
}
