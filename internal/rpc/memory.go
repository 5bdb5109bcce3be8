package rpc

import (
	"context"
	"encoding/json"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

type memorySaveArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	Category    string `json:"category,omitempty"`
}

func (c *Conn) handleMemorySave(ctx context.Context, raw json.RawMessage) *Envelope {
	var args memorySaveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	m := &types.Memory{
		ProjectPath: projectPath,
		Key:         args.Key,
		Value:       args.Value,
		Category:    types.MemoryCategory(args.Category),
	}
	if m.Category == "" {
		m.Category = types.MemoryNote
	}
	if err := c.srv.store.SaveMemory(ctx, m); err != nil {
		return fail(err)
	}
	return ok(m, "remembered "+m.Key)
}

type memoryKeyArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Key         string `json:"key"`
}

func (c *Conn) handleMemoryGet(ctx context.Context, raw json.RawMessage) *Envelope {
	var args memoryKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Key == "" {
		return fail(storage.Validationf("key is required"))
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	m, err := c.srv.store.GetMemory(ctx, projectPath, args.Key)
	if err != nil {
		return fail(err)
	}
	return ok(m, "")
}

type memoryListArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Category    string `json:"category,omitempty"`
}

func (c *Conn) handleMemoryList(ctx context.Context, raw json.RawMessage) *Envelope {
	var args memoryListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	entries, err := c.srv.store.ListMemory(ctx, projectPath, types.MemoryCategory(args.Category))
	if err != nil {
		return fail(err)
	}
	return ok(entries, "")
}

func (c *Conn) handleMemoryDelete(ctx context.Context, raw json.RawMessage) *Envelope {
	var args memoryKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Key == "" {
		return fail(storage.Validationf("key is required"))
	}
	projectPath, env := c.issueProject(ctx, args.ProjectPath)
	if env != nil {
		return env
	}
	if err := c.srv.store.DeleteMemory(ctx, projectPath, args.Key); err != nil {
		return fail(err)
	}
	return ok(nil, "forgot "+args.Key)
}
