package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBasicOps(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}

	missing, err := c.Get(ctx, "absent")
	if err != nil || missing != "" {
		t.Fatalf("missing get should be empty: %q %v", missing, err)
	}

	ok, err := c.SetNX(ctx, "nx", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: %v %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "nx", "2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx should fail: %v %v", ok, err)
	}

	n, err := c.Exists(ctx, "k", "nx", "absent")
	if err != nil || n != 2 {
		t.Fatalf("exists: %d %v", n, err)
	}

	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if n, _ := c.Exists(ctx, "k"); n != 0 {
		t.Fatalf("key survived delete")
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Incr(ctx, "counter"); err != nil {
			t.Fatalf("incr: %v", err)
		}
	}
	if v, _ := c.Get(ctx, "counter"); v != "3" {
		t.Fatalf("unexpected counter %q", v)
	}
}

func TestZSetIndex(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	members := []ZMember{
		{Score: 100, Member: "a-old"},
		{Score: 200, Member: "a-mid"},
		{Score: 300, Member: "a-new"},
	}
	if err := c.ZAdd(ctx, "index", members...); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	got, err := c.ZRevRangeWithScores(ctx, "index", 0, -1)
	if err != nil {
		t.Fatalf("zrevrange: %v", err)
	}
	if len(got) != 3 || got[0].Member != "a-new" || got[2].Member != "a-old" {
		t.Fatalf("unexpected order %+v", got)
	}

	if n, _ := c.ZCard(ctx, "index"); n != 3 {
		t.Fatalf("unexpected card %d", n)
	}

	// cap the index to the two newest entries
	if err := c.ZRemRangeByRank(ctx, "index", 0, -3); err != nil {
		t.Fatalf("zremrangebyrank: %v", err)
	}
	got, _ = c.ZRevRangeWithScores(ctx, "index", 0, -1)
	if len(got) != 2 || got[1].Member != "a-mid" {
		t.Fatalf("cap kept wrong members %+v", got)
	}

	if err := c.ZRem(ctx, "index", "a-new"); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	if n, _ := c.ZCard(ctx, "index"); n != 1 {
		t.Fatalf("unexpected card after zrem %d", n)
	}
}

func TestListFeed(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, v := range []string{"e1", "e2", "e3", "e4"} {
		if err := c.LPush(ctx, "feed", v); err != nil {
			t.Fatalf("lpush: %v", err)
		}
	}
	if err := c.LTrim(ctx, "feed", 0, 2); err != nil {
		t.Fatalf("ltrim: %v", err)
	}
	if n, _ := c.LLen(ctx, "feed"); n != 3 {
		t.Fatalf("unexpected len %d", n)
	}
	got, err := c.LRange(ctx, "feed", 0, -1)
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(got) != 3 || got[0] != "e4" || got[2] != "e2" {
		t.Fatalf("unexpected feed %+v", got)
	}
}

func TestTryLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "lock:sample", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	ok, err = c.TryLock(ctx, "lock:sample", time.Minute)
	if err != nil || ok {
		t.Fatalf("second lock should fail: %v %v", ok, err)
	}
	if err := c.Unlock(ctx, "lock:sample"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := c.TryLock(ctx, "lock:sample", time.Minute); !ok {
		t.Fatalf("lock not reacquirable after unlock")
	}
}

func TestPipeline(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	err := c.Pipeline(ctx, func(pipe Pipeliner) error {
		if err := pipe.Set("p:doc", `{"id":1}`, time.Minute); err != nil {
			return err
		}
		return pipe.ZAdd("p:index", ZMember{Score: 42, Member: "doc"})
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	if v, _ := c.Get(ctx, "p:doc"); v != `{"id":1}` {
		t.Fatalf("pipeline set lost: %q", v)
	}
	if n, _ := c.ZCard(ctx, "p:index"); n != 1 {
		t.Fatalf("pipeline zadd lost")
	}
}

func TestJitterTTL(t *testing.T) {
	ttl := 100 * time.Second
	for i := 0; i < 50; i++ {
		got := JitterTTL(ttl)
		if got > ttl || got < ttl-ttl/10 {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must pass through")
	}
}
