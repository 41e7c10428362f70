package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/process"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/runlog"
)

func checkCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "check the release server for a new client version",
		Action: func(c *cli.Context) error {
			info, err := s.launcher.CheckForUpdate(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "installed: %s\n", info.CurrentVersion)
			if info.Available {
				fmt.Fprintf(s.out, "available: %s (%s)\n", info.LatestVersion, info.DownloadURL)
			} else {
				fmt.Fprintln(s.out, "client is up to date")
			}
			return nil
		},
	}
}

func installCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "download and install a client version",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "archive to install instead of the published release"},
			&cli.StringFlag{Name: "version", Usage: "version recorded for --url"},
		},
		Action: func(c *cli.Context) error {
			url, version := c.String("url"), c.String("version")
			if (url == "") != (version == "") {
				return cli.Exit("--url and --version must be given together", 2)
			}
			if url == "" {
				info, err := s.launcher.CheckForUpdate(c.Context)
				if err != nil {
					return err
				}
				if !info.Available {
					fmt.Fprintf(s.out, "client %s is up to date\n", info.CurrentVersion)
					return nil
				}
				url, version = info.DownloadURL, info.LatestVersion
			}

			res, err := s.launcher.DownloadAndInstall(c.Context, url, version, newProgressPrinter(s.out))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "installed client %s: %d files, %s downloaded in %s\n",
				res.Version, res.Files, formatBytes(res.ArchiveBytes), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func verifyCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "check the installed files against their checksums",
		Action: func(c *cli.Context) error {
			report, err := s.launcher.Inspect(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "status: %s\n", report.Status)
			for _, p := range report.Result.Corrupted {
				fmt.Fprintf(s.out, "  corrupted: %s\n", p)
			}
			for _, p := range report.Result.Missing {
				fmt.Fprintf(s.out, "  missing:   %s\n", p)
			}
			if report.Status != payload.StatusReady {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func repairCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:      "repair",
		Usage:     "restore damaged files from the release archive",
		ArgsUsage: "[path...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "archive to restore from instead of the published release"},
		},
		Action: func(c *cli.Context) error {
			paths := c.Args().Slice()
			if len(paths) == 0 {
				report, err := s.launcher.Inspect(c.Context)
				if err != nil {
					return err
				}
				if report.Status.NeedsInstall() {
					return fmt.Errorf("client is %s; run install instead", report.Status)
				}
				paths = report.Result.Damaged()
				if len(paths) == 0 {
					fmt.Fprintln(s.out, "nothing to repair")
					return nil
				}
			}

			res, err := s.launcher.RepairFiles(c.Context, c.String("url"), paths, newProgressPrinter(s.out))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "repaired %d of %d files\n", len(res.Repaired), res.Requested)
			for _, p := range res.Skipped {
				fmt.Fprintf(s.out, "  skipped: %s\n", p)
			}
			return nil
		},
	}
}

func syncCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "update, verify and repair in one step",
		Action: func(c *cli.Context) error {
			res, err := s.launcher.Sync(c.Context, newProgressPrinter(s.out))
			if err != nil {
				return err
			}
			if res.Offline {
				fmt.Fprintln(s.out, "release server unreachable; verified the installed client only")
			}
			if res.Install != nil {
				fmt.Fprintf(s.out, "installed client %s\n", res.Install.Version)
			}
			if res.Repair != nil {
				fmt.Fprintf(s.out, "repaired %d files\n", len(res.Repair.Repaired))
			}
			fmt.Fprintf(s.out, "status: %s\n", res.Report.Status)
			if res.Report.Status != payload.StatusReady {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func launchCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:      "launch",
		Usage:     "start the client",
		ArgsUsage: "[-- client args...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "start even if verification fails"},
		},
		Action: func(c *cli.Context) error {
			pid, err := s.launcher.Launch(c.Context, c.Bool("force"), c.Args().Slice()...)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "client started (pid %d)\n", pid)
			return nil
		},
	}
}

func killCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:      "kill",
		Usage:     "terminate running client processes",
		ArgsUsage: "[name]",
		Action: func(c *cli.Context) error {
			var (
				n   int
				err error
			)
			if name := c.Args().First(); name != "" {
				n, err = process.KillByName(c.Context, name)
			} else {
				n, err = s.launcher.Kill(c.Context)
			}
			if errors.Is(err, process.ErrNotRunning) {
				fmt.Fprintln(s.out, "client is not running")
				return nil
			}
			if n > 0 {
				fmt.Fprintf(s.out, "terminated %d process(es)\n", n)
			}
			return err
		},
	}
}

func statusCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the last install or repair run",
		Action: func(c *cli.Context) error {
			run, err := s.launcher.LastRun()
			if errors.Is(err, runlog.ErrNoRuns) {
				fmt.Fprintln(s.out, "no runs recorded")
				return nil
			}
			if err != nil {
				return err
			}
			printRun(s, run)
			return nil
		},
	}
}

func manifestCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "manifest",
		Usage: "manage checksums.json",
		Subcommands: []*cli.Command{{
			Name:  "build",
			Usage: "regenerate checksums from the installed files",
			Action: func(c *cli.Context) error {
				m, err := s.launcher.RebuildManifest(c.Context)
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "wrote checksums for %d files (version %s)\n", len(m.Files), m.Version)
				return nil
			},
		}},
	}
}

func printRun(s *session, run *runlog.Run) {
	fmt.Fprintf(s.out, "run:       %s\n", run.ID)
	fmt.Fprintf(s.out, "operation: %s\n", run.Operation)
	fmt.Fprintf(s.out, "state:     %s\n", run.State)
	if run.Version != "" {
		fmt.Fprintf(s.out, "version:   %s\n", run.Version)
	}
	if run.Stage != "" {
		fmt.Fprintf(s.out, "stage:     %s\n", run.Stage)
	}
	fmt.Fprintf(s.out, "attempts:  %d\n", run.Attempts)
	fmt.Fprintf(s.out, "started:   %s\n", run.Started.Local().Format(time.RFC3339))
	if run.Finished != nil {
		fmt.Fprintf(s.out, "duration:  %s\n", run.Duration().Round(time.Millisecond))
	}
	if len(run.Paths) > 0 {
		fmt.Fprintf(s.out, "paths:     %s\n", strings.Join(run.Paths, ", "))
	}
	if run.LastError != "" {
		fmt.Fprintf(s.out, "error:     %s\n", run.LastError)
	}
}
