// SPDX-License-Identifier: MIT

package signalmon

import (
	"context"

	"github.com/tomtom215/capturemgrd/internal/instance"
)

// NativeTxReader wraps an optional native HDMI TX status reader, the
// output-side counterpart to NativeProvider's RX reader: the original
// reads TX status through a native tvservice/TvClientLib client library,
// with no sysfs fallback for the output side. Reader is nil unless a
// native backend was actually linked; when nil, Read always reports a
// disconnected TxStatus rather than guessing.
type NativeTxReader struct {
	Reader func(ctx context.Context) (instance.TxStatus, bool)
}

// Read satisfies the shape of internal/eventmgr.TxReader (a plain
// func(context.Context) instance.TxStatus), so callers wire it in as
// reader.Read without either package importing the other.
func (r NativeTxReader) Read(ctx context.Context) instance.TxStatus {
	if r.Reader == nil {
		return instance.TxStatus{}
	}
	tx, ok := r.Reader(ctx)
	if !ok {
		return instance.TxStatus{}
	}
	return tx
}
