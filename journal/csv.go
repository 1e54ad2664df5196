package journal

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/golang/glog"
)

// CSV journals to a writer, typically stdout.
type CSV struct {
	Out io.Writer
}

func (c *CSV) Write(ctx context.Context, entries <-chan Entry) error {
	w := csv.NewWriter(c.Out)
	w.Write([]string{
		"AtUnixMilli",
		"Instance",
		"Kind",
		"Detail",
	})

	for e := range entries {
		if err := w.Write([]string{
			fmt.Sprintf("%d", e.At.UnixMilli()),
			e.Instance,
			e.Kind,
			e.Detail,
		}); err != nil {
			glog.Warningf("error while writing CSV line: %s\n", err)
		}

		w.Flush()
		if err := w.Error(); err != nil {
			glog.Warningf("error flushing CSV: %s\n", err)
		}
	}
	return nil
}
