package capability

import (
	"context"
	"fmt"
	"strings"

	"freighter/internal/model"
)

// PusherRouter dispatches each delivery by host reference scheme: s3://
// hosts go to S3 (when wired), everything else to Default.
type PusherRouter struct {
	S3      Pusher
	Default Pusher
}

func (r PusherRouter) Push(ctx context.Context, req model.PushRequest) error {
	if strings.HasPrefix(strings.TrimSpace(req.HostRef), "s3://") {
		if r.S3 == nil {
			return fmt.Errorf("host %q: s3 delivery not configured: %w", req.HostRef, ErrDestinationInvalid)
		}
		return r.S3.Push(ctx, req)
	}
	if r.Default == nil {
		return fmt.Errorf("host %q: no pusher configured: %w", req.HostRef, ErrDestinationInvalid)
	}
	return r.Default.Push(ctx, req)
}
