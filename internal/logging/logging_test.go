package logging

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturingEntry() (*log.Entry, *bytes.Buffer) {
	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel(log.DebugLevel)
	logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	return log.NewEntry(logger), &buf
}

func TestISRRingPushAndDrain(t *testing.T) {
	r := NewISRRing()
	r.Push(log.WarnLevel, "bus-off, no restart configured")
	r.Push(log.DebugLevel, "%d messages handled", 3)

	entry, buf := newCapturingEntry()
	r.Drain(entry)

	out := buf.String()
	assert.Contains(t, out, "bus-off, no restart configured")
	assert.Contains(t, out, "3 messages handled")
}

func TestISRRingDrainIsIdempotentWhenEmpty(t *testing.T) {
	r := NewISRRing()
	entry, buf := newCapturingEntry()
	r.Drain(entry)
	assert.Empty(t, buf.String())
}

func TestISRRingDropsRatherThanBlockWhenFull(t *testing.T) {
	r := NewISRRing()
	for i := 0; i < ringSize+10; i++ {
		r.Push(log.InfoLevel, "entry %d", i)
	}

	entry, buf := newCapturingEntry()
	r.Drain(entry)

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "entry 0")      // written before the ring filled
	assert.NotContains(t, out, "entry 260") // push dropped once write-read reached ringSize
}
