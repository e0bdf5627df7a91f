package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/journal"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect sync journals written with --journal",
	}
	cmd.AddCommand(newJournalDumpCmd())
	return cmd
}

type dumpRecord struct {
	Time   time.Time     `json:"time"`
	RunID  string        `json:"run_id"`
	Stream string        `json:"stream"`
	Sample avsync.Sample `json:"sample"`
}

func newJournalDumpCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print every sample of a sync journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := journal.NewReader(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			desynced := 0
			n := 0
			for {
				rec, err := r.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return fmt.Errorf("%s: record %d: %w", args[0], n, err)
				}
				n++
				if rec.Sample.OutOfSync {
					desynced++
				}

				if asJSON {
					if err := enc.Encode(dumpRecord{Time: rec.Time, RunID: rec.RunID, Stream: rec.Stream.String(), Sample: rec.Sample}); err != nil {
						return err
					}
					continue
				}
				s := rec.Sample
				mark := ""
				if s.OutOfSync {
					mark = "  OUT OF SYNC"
				}
				fmt.Fprintf(out, "%s %-5s video=%dms audio=%dms frames=%d packets=%d pts_delay=%dms count_delay=%dms%s\n",
					rec.Time.Format("15:04:05.000"), rec.Stream, s.VideoPTS, s.AudioPTS,
					s.VideoFrames, s.AudioPackets, s.PTSDelayMs, s.CountDelayMs, mark)
			}

			if !asJSON {
				fmt.Fprintf(out, "%d samples, %d out of sync\n", n, desynced)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per sample")
	return cmd
}
