package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/models"
	"github.com/kimhsiao/exposurelog/internal/sync/queue"
	"github.com/kimhsiao/exposurelog/internal/sync/scheduler"
	"github.com/kimhsiao/exposurelog/internal/uuid"
)

// withApp opens the App for the duration of fn.
func withApp(ctx context.Context, opts *RootOptions, detectNetwork bool, fn func(*App) error) error {
	app, err := NewApp(ctx, opts.cfg, appOptions{detectNetwork: detectNetwork})
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, true, func(app *App) error {
				status := app.Scheduler.Status()
				return opts.render(cmd.OutOrStdout(), status, func(w io.Writer) {
					printStatus(w, status)
				})
			})
		},
	}
}

func printStatus(w io.Writer, s models.SyncStatus) {
	network := "offline"
	if s.IsOnline {
		network = "online (" + s.ConnectionType + ")"
	}
	fmt.Fprintf(w, "Network:          %s\n", network)
	fmt.Fprintf(w, "Pending records:  %d\n", s.PendingRecordCount)
	fmt.Fprintf(w, "Pending photos:   %d\n", s.PendingPhotoCount)
	fmt.Fprintf(w, "Active uploads:   %d\n", s.ActiveUploadCount)
	fmt.Fprintf(w, "Needs attention:  %d\n", s.ProblematicItemCount)
	if s.LastSyncTime != nil {
		fmt.Fprintf(w, "Last sync:        %s\n", humanize.Time(*s.LastSyncTime))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:       %s\n", s.LastError)
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain both queues once and report the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, true, func(app *App) error {
				result, err := app.Scheduler.TriggerSync(cmd.Context())
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) {
					printResult(w, result)
				})
			})
		},
	}
}

func printResult(w io.Writer, r *scheduler.SyncResult) {
	fmt.Fprintf(w, "Records: %d synced, %d failed, %d skipped\n", r.RecordsSynced, r.RecordsFailed, r.RecordsSkipped)
	fmt.Fprintf(w, "Photos:  %d uploaded, %d failed, %d skipped\n", r.PhotosUploaded, r.PhotosFailed, r.PhotosSkipped)
	fmt.Fprintf(w, "Took %s\n", r.Duration.Round(time.Millisecond))
	if r.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", r.LastError)
	}
}

// EnqueueRecordOptions holds flags for the enqueue-record command.
type EnqueueRecordOptions struct {
	*RootOptions
	File string
}

// NewEnqueueRecordCommand creates the enqueue-record command.
func NewEnqueueRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueRecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue-record",
		Short: "Queue an exposure record read from a JSON file",
		Long: `Queue an exposure record. The record is stored durably and sent by
the next sync. Use --file - to read from stdin.

Example:
  exposurelog enqueue-record --file exposure.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := readRecord(opts.File, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts.RootOptions, false, func(app *App) error {
				key, err := app.Scheduler.EnqueueRecord(rec)
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), map[string]string{"idempotency_key": key}, func(w io.Writer) {
					fmt.Fprintln(w, key)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "JSON file holding the record, - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readRecord(path string, stdin io.Reader) (*models.ExposureRecord, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "open record file", err)
		}
		defer f.Close()
		r = f
	}

	var rec models.ExposureRecord
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decode record", err)
	}
	return &rec, nil
}

// NewEnqueuePhotoCommand creates the enqueue-photo command.
func NewEnqueuePhotoCommand(opts *RootOptions) *cobra.Command {
	var in queue.PhotoInput

	cmd := &cobra.Command{
		Use:   "enqueue-photo <path>",
		Short: "Queue a photo for upload and attach it to a queued record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.LocalURI = args[0]
			return withApp(cmd.Context(), opts, false, func(app *App) error {
				id, err := app.Scheduler.EnqueuePhoto(in)
				if err != nil {
					return err
				}
				photo, _ := app.Photos.Get(id)
				return opts.render(cmd.OutOrStdout(), photo, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s, %s)\n", id, humanize.IBytes(uint64(photo.FileSizeBytes)), photo.MimeType)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&in.ParentIdempotencyKey, "record", "r", "", "idempotency key of the parent record (required)")
	cmd.Flags().StringVar(&in.Caption, "caption", "", "photo caption")
	cmd.Flags().StringVar(&in.MimeType, "mime-type", "", "override the detected mime type")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Problematic bool
}

type listing struct {
	Records []*models.QueuedRecord `json:"records"`
	Photos  []*models.QueuedPhoto  `json:"photos"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued records and photos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, false, func(app *App) error {
				out := listing{
					Records: app.Scheduler.PendingRecords(),
					Photos:  app.Scheduler.PendingPhotos(),
				}
				if opts.Problematic {
					out.Records = app.Scheduler.ProblematicRecords()
					out.Photos = app.Scheduler.FailedPhotos()
				}
				return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
					printListing(w, out, app.Config.Queue.MaxAttempts)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Problematic, "problematic", false, "only items that exhausted their retries")

	return cmd
}

func printListing(w io.Writer, l listing, maxAttempts int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, r := range l.Records {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", r.IdempotencyKey, humanize.Time(r.CreatedAt), r.AttemptCount, maxAttempts, r.LastError)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHOTO\tRECORD\tSIZE\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, p := range l.Photos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", p.ID, p.ParentIdempotencyKey,
			humanize.IBytes(uint64(p.FileSizeBytes)), p.UploadStatus, p.RetryCount, maxAttempts, p.LastError)
	}
	tw.Flush()
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset records and photos that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, false, func(app *App) error {
				records, err := app.Scheduler.RetryProblematicRecords()
				if err != nil {
					return err
				}
				photos, err := app.Scheduler.RetryFailedPhotos()
				if err != nil {
					return err
				}
				out := map[string]int{"records": records, "photos": photos}
				return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "Reset %d records and %d photos\n", records, photos)
				})
			})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <idempotency-key>",
		Short: "Drop a queued record without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := uuid.Validate(args[0]); err != nil {
				return errors.Wrap(errors.ErrInvalid, "idempotency key", err)
			}
			return withApp(cmd.Context(), opts, false, func(app *App) error {
				removed, err := app.Scheduler.DiscardRecord(args[0])
				if err != nil {
					return err
				}
				if !removed {
					return errors.New(errors.ErrRecordNotFound, "no queued record with key "+args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
				return nil
			})
		},
	}
}
