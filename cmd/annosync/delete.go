package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [session-url] --id ID...",
	Short: "Delete annotations on the remote service by id",
	Long: `delete removes annotations directly on the remote service, one
request per id, without opening the session. Use it to clear replies left
orphaned when their thread root was removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().StringSlice("id", nil, "annotation id to delete (repeatable)")
	_ = deleteCmd.MarkFlagRequired("id")
}

type annotationDeleter interface {
	DeleteAnnotationAsync(ctx context.Context, sessionURL, id string, done func(error))
}

// deleteAnnotations issues every delete concurrently and returns the
// failures in the order of ids; nil entries succeeded.
func deleteAnnotations(ctx context.Context, d annotationDeleter, sessionURL string, ids []string) []error {
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for i, id := range ids {
		d.DeleteAnnotationAsync(ctx, sessionURL, id, func(err error) {
			errs[i] = err
			wg.Done()
		})
	}
	wg.Wait()
	return errs
}

func runDelete(cmd *cobra.Command, args []string) error {
	rawIDs, _ := cmd.Flags().GetStringSlice("id")
	var ids []string
	for _, id := range rawIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return errors.New("no annotation ids given")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	url, err := sessionURL(rt.cfg, args)
	if err != nil {
		return err
	}

	failed := 0
	for i, err := range deleteAnnotations(ctx, rt.client, url, ids) {
		if err != nil {
			failed++
			rt.logger.Warn("remote delete failed", zap.String("annotation", ids[i]), zap.Error(err))
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", ids[i], err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ids[i])
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletes failed", failed, len(ids))
	}
	return nil
}
