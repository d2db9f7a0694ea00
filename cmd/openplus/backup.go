package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"openplus/internal/config"

	"github.com/spf13/cobra"
)

// backupTargets are the local files a backup covers.
type backupTargets struct {
	config   string
	feedback string
	history  string // empty when history is disabled
}

func resolveBackupTargets() (backupTargets, error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return backupTargets{}, err
	}
	t := backupTargets{
		config:   config.ExpandPath(cfgPath),
		feedback: cfg.Feedback.Path,
	}
	if cfg.History.Enabled {
		t.history = cfg.History.DBPath
	}
	return t, nil
}

// members maps archive names to local paths. Names are keyed by role so a
// restore finds each file regardless of where it lived on the source machine.
func (t backupTargets) members() map[string]string {
	m := map[string]string{
		"config" + filepath.Ext(t.config): t.config,
		"user_feedback.jsonl":             t.feedback,
	}
	if t.history != "" {
		m["runs.db"] = t.history
		m["runs.db-wal"] = t.history + "-wal"
		m["runs.db-shm"] = t.history + "-shm"
	}
	return m
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of openplus data (feedback log, run history, config)",
		Long: `Creates a compressed .tar.gz archive containing the feedback log, the
SQLite run history and the configuration file. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := resolveBackupTargets()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("openplus-backup-%s.tar.gz", ts))
			}

			files := map[string]string{}
			for name, path := range targets.members() {
				if _, err := os.Stat(path); err == nil {
					files[name] = path
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (feedback: %s, config: %s)", targets.feedback, targets.config)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for name, path := range files {
				info, _ := os.Stat(path)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.openplus/backups/openplus-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore openplus data from a backup archive",
		Long: `Restores the feedback log, run history and configuration file from a
.tar.gz archive created by 'openplus backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: openplus restore <file.tar.gz>")
			}

			targets, err := resolveBackupTargets()
			if err != nil {
				return err
			}

			if !force {
				var existing []string
				for _, path := range []string{targets.feedback, targets.history, targets.config} {
					if path == "" {
						continue
					}
					if _, err := os.Stat(path); err == nil {
						existing = append(existing, path)
					}
				}
				if len(existing) > 0 {
					fmt.Printf("WARNING: This will overwrite existing data:\n")
					for _, p := range existing {
						fmt.Printf("  %s\n", p)
					}
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, targets.members())
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createTarGz writes files (member name -> source path) to a .tar.gz archive.
func createTarGz(outputPath string, files map[string]string) (err error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for name, path := range files {
		if err := addFileToTar(tarWriter, name, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, name, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the known members of a backup archive to their
// target paths. Unknown members are skipped.
func extractTarGz(archivePath string, members map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		baseName := filepath.Base(header.Name)
		targetPath, ok := members[baseName]
		if !ok && strings.HasPrefix(baseName, "config.") {
			// A config saved as JSON restores onto a YAML path and vice versa.
			for name, path := range members {
				if strings.HasPrefix(name, "config.") {
					targetPath, ok = path, true
				}
			}
		}
		if !ok {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
