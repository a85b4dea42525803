package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNX_OnlyWritesOnce(t *testing.T) {
	m := New()
	defer m.Close()

	assert.True(t, m.SetNX("k", "a", 0))
	assert.False(t, m.SetNX("k", "b", 0))

	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestSet_TTLExpires(t *testing.T) {
	m := New()
	defer m.Close()

	m.Set("k", "v", 10*time.Millisecond)
	_, ok := m.Get("k")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = m.Get("k")
	assert.False(t, ok, "expired key should no longer be readable")
}

func TestHash_Ops(t *testing.T) {
	m := New()
	defer m.Close()

	m.HSet("h", "f1", "v1")
	m.HSet("h", "f2", "v2")

	v, ok := m.HGet("h", "f1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	all := m.HGetAll("h")
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	assert.EqualValues(t, 5, m.HIncrBy("h", "n", 5))
	assert.EqualValues(t, 8, m.HIncrBy("h", "n", 3))

	m.HDel("h", "f1")
	_, ok = m.HGet("h", "f1")
	assert.False(t, ok)
}

func TestSet_MembershipOps(t *testing.T) {
	m := New()
	defer m.Close()

	m.SAdd("s", "a", "b", "c")
	assert.Equal(t, 3, m.SCard("s"))
	assert.True(t, m.SIsMember("s", "b"))

	m.SRem("s", "b")
	assert.False(t, m.SIsMember("s", "b"))
	assert.ElementsMatch(t, []string{"a", "c"}, m.SMembers("s"))
}

func TestList_PushTrimRange(t *testing.T) {
	m := New()
	defer m.Close()

	for _, v := range []string{"1", "2", "3", "4", "5"} {
		m.LPush("l", v)
	}
	// newest at head
	assert.Equal(t, []string{"5", "4", "3", "2", "1"}, m.LRange("l", 0, -1))

	m.LTrim("l", 0, 2)
	assert.Equal(t, []string{"5", "4", "3"}, m.LRange("l", 0, -1))
}

func TestPipeline_ExecutesInOrder(t *testing.T) {
	m := New()
	defer m.Close()

	p := m.Pipeline()
	p.SetNX("k", "first", 0)
	p.SetNX("k", "second", 0)
	p.SAdd("idx", "a:1")
	p.SRem("idx", "a:1")
	p.SAdd("idx", "a:1")
	p.Exec()

	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "first", v, "second SetNX must be a no-op since k was set by the first")
	assert.True(t, m.SIsMember("idx", "a:1"))
}

func TestPubSub_PublishOrderWithinOnePublisher(t *testing.T) {
	m := New()
	defer m.Close()

	ch, cancel := m.Subscribe("topic")
	defer cancel()

	m.Publish("topic", "one")
	m.Publish("topic", "two")
	m.Publish("topic", "three")

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-ch:
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published message")
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestPubSub_LateSubscriberMissesBacklog(t *testing.T) {
	m := New()
	defer m.Close()

	m.Publish("topic", "missed")

	ch, cancel := m.Subscribe("topic")
	defer cancel()

	m.Publish("topic", "seen")

	select {
	case msg := <-ch:
		assert.Equal(t, "seen", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
