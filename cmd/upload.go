package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"keyjawn/internal/logging"
	"keyjawn/internal/remote"
	"keyjawn/internal/transfer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	uploadTransport string
	uploadKeepName  bool
	uploadTimeout   time.Duration
)

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload [file ...]",
	Short: "Upload images to the host's upload directory",
	Long: `Upload one or more files to the selected host and print the remote path of each.
Use "-" to read a single image from standard input. Files are renamed
img-<UTC timestamp>.<ext> unless --keep-name is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		host := activeHost(cfg)

		kindName := cfg.Transport
		if uploadTransport != "" {
			kindName = uploadTransport
		}
		kind, err := transfer.ParseKind(kindName)
		if err != nil {
			logging.Logger().Fatal("Invalid transport", zap.Error(err))
		}

		files, err := readUploads(args, time.Now(), uploadKeepName)
		if err != nil {
			logging.Logger().Fatal("Failed to read files", zap.Error(err))
		}

		store := openStore(cfg)
		defer remote.SafeClose("host key store", store.Close)

		uploader, err := transfer.New(kind,
			transfer.WithHostKeyStore(store),
			transfer.WithDialTimeout(cfg.DialTimeout))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()

		results := transfer.UploadAll(ctx, uploader, host, credentialFor(host), files, cfg.UploadConcurrency)

		// per-file errors are already printed
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		return reportUploads(os.Stdout, os.Stderr, args, results)
	},
}

// reportUploads prints the remote path of every success and the error of
// every failure, returning an error when anything failed
func reportUploads(out, errOut io.Writer, args []string, results []remote.UploadResult) error {
	failed := 0
	for i, r := range results {
		if r.Success {
			fmt.Fprintln(out, r.RemotePath)
			continue
		}
		failed++
		fmt.Fprintf(errOut, "%s: %s\n", args[i], r.Error)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(results))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVarP(&uploadTransport, "transport", "t", "", "scp or sftp (default from config)")
	uploadCmd.Flags().BoolVar(&uploadKeepName, "keep-name", false, "keep the local file name")
	uploadCmd.Flags().DurationVar(&uploadTimeout, "timeout", 2*time.Minute, "overall upload timeout")
}

// readUploads loads every argument and names it for the remote side
func readUploads(args []string, now time.Time, keepName bool) ([]transfer.File, error) {
	files := make([]transfer.File, 0, len(args))
	for _, arg := range args {
		var (
			data []byte
			err  error
		)
		if arg == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(arg)
		}
		if err != nil {
			return nil, err
		}

		name := transfer.FilenameFor(now, arg)
		if keepName && arg != "-" {
			name = filepath.Base(arg)
		}
		files = append(files, transfer.File{Name: name, Content: data})
	}
	dedupeNames(files)
	return files, nil
}

// dedupeNames suffixes repeated names, "img-x.png" then "img-x-2.png". A
// suffixed name never collides with another name in the batch.
func dedupeNames(files []transfer.File) {
	taken := make(map[string]bool, len(files))
	for _, f := range files {
		taken[f.Name] = true
	}

	seen := make(map[string]bool, len(files))
	for i := range files {
		name := files[i].Name
		if seen[name] {
			ext := filepath.Ext(name)
			base := strings.TrimSuffix(name, ext)
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s-%d%s", base, n, ext)
				if !taken[candidate] {
					name = candidate
					break
				}
			}
			taken[name] = true
		}
		seen[name] = true
		files[i].Name = name
	}
}
