package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/javi11/nzbfetch/internal/config"
	"github.com/javi11/nzbfetch/internal/model"
	"github.com/javi11/nzbfetch/internal/nzb"
	"github.com/javi11/nzbfetch/internal/store/sqlstore"
)

var (
	enqueueCategory string
	enqueuePriority  int
)

func init() {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <nzb-file>",
		Short: "Insert an NZB file into the queue for processing",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	enqueueCmd.Flags().StringVar(&enqueueCategory, "category", config.DefaultCategoryName, "category to file this job under")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "higher values are claimed first")
	enqueueCmd.Flags().StringVar(&dbPath, "db", "./nzbfetch.db", "path to the sqlite metadata store")
	rootCmd.AddCommand(enqueueCmd)
}

// runEnqueue stands in for spec.md §3's "inserted by API" — the API
// surface itself is out of scope, so this is the CLI equivalent for
// getting a job into the queue this module actually processes.
func runEnqueue(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading nzb file: %w", err)
	}

	doc, err := nzb.Parse(content)
	if err != nil {
		return fmt.Errorf("parsing nzb file: %w", err)
	}

	db, err := sqlstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer db.Close()

	item := model.QueueItem{
		ID:               uuid.NewString(),
		JobName:          jobNameFromPath(args[0]),
		Category:         enqueueCategory,
		TotalSegmentByte: nzb.TotalSegmentBytes(doc),
		Priority:         enqueuePriority,
		CreatedAt:        time.Now(),
	}

	if err := db.Enqueue(context.Background(), item, content); err != nil {
		return fmt.Errorf("enqueueing: %w", err)
	}

	fmt.Printf("enqueued %s as job %q (%d bytes)\n", item.ID, item.JobName, item.TotalSegmentByte)
	return nil
}

func jobNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
