package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

type statsResult struct {
	Stats     interface{} `json:"stats"`
	QueueSize int         `json:"queue_size"`
	AuthLost  bool        `json:"auth_lost,omitempty"`
}

func (c *Conn) handleGetStats(ctx context.Context, raw json.RawMessage) *Envelope {
	stats, err := c.srv.store.GetStats(ctx)
	if err != nil {
		return fail(err)
	}
	result := statsResult{Stats: stats}
	if c.srv.opts.Queue != nil {
		result.QueueSize = c.srv.opts.Queue.Len()
	}
	if c.srv.opts.Processor != nil {
		result.AuthLost = c.srv.opts.Processor.AuthLost()
	}
	return ok(result, "")
}

type syncStatusResult struct {
	Configured bool `json:"configured"`
	QueueSize  int  `json:"queue_size"`
	Ready      int  `json:"ready"`
	AuthLost   bool `json:"auth_lost,omitempty"`
}

func (c *Conn) handleSyncStatus(ctx context.Context, raw json.RawMessage) *Envelope {
	result := syncStatusResult{Configured: c.srv.opts.SyncURL != ""}
	if c.srv.opts.Queue != nil {
		result.QueueSize = c.srv.opts.Queue.Len()
		result.Ready = len(c.srv.opts.Queue.Ready())
	}
	if c.srv.opts.Processor != nil {
		result.AuthLost = c.srv.opts.Processor.AuthLost()
	}
	msg := ""
	if result.AuthLost {
		msg = "sync authentication rejected; sign in again"
	}
	return ok(result, msg)
}

func (c *Conn) handleSyncNow(ctx context.Context, raw json.RawMessage) *Envelope {
	if c.srv.opts.Processor == nil {
		return ok(map[string]int{"synced": 0}, "sync is not configured")
	}
	synced := c.srv.opts.Processor.SyncNow(ctx)
	return ok(map[string]int{"synced": synced}, fmt.Sprintf("synced %d items", synced))
}
