package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RegisterScript compiles and names a Lua script for later invocation via
// RunScript. Scripts are registered once at component construction time.
func (c *Client) RegisterScript(name, src string) {
	c.scriptMu.Lock()
	defer c.scriptMu.Unlock()
	c.scripts[name] = redis.NewScript(src)
}

// RunScript runs the named, previously registered script against keys/args
// under the breaker+retry gate and returns its raw result. go-redis's
// Script.Run already implements "invoke by digest, EVAL on NOSCRIPT" —
// compiled once, invoked by digest, with automatic reload on a missing
// script — so RunScript only adds the breaker/retry wrapping Do provides
// for plain commands.
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...any) (any, error) {
	c.scriptMu.RLock()
	script, ok := c.scripts[name]
	c.scriptMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cache: script %q not registered", name)
	}

	return c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return script.Run(ctx, rdb, keys, args...).Result()
	})
}
