package ingestion

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/storage/activitylog"
)

func testRecord(i int) activitylog.Record {
	return activitylog.Record{
		CallerID:  fmt.Sprintf("CL-%012d", i),
		Endpoint:  "/api/test",
		Method:    "GET",
		Status:    200,
		Timestamp: time.Now(),
	}
}

func TestOverflowBufferFIFO(t *testing.T) {
	buffer := NewOverflowBuffer(OverflowBufferOptions{MaxSize: 10, Logger: zerolog.Nop()})

	for i := 0; i < 3; i++ {
		buffer.Add(testRecord(i))
	}
	if buffer.Len() != 3 {
		t.Fatalf("Len = %d, want 3", buffer.Len())
	}

	records := buffer.Flush()
	if len(records) != 3 {
		t.Fatalf("Flush returned %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.CallerID != fmt.Sprintf("CL-%012d", i) {
			t.Errorf("record %d out of order: %s", i, r.CallerID)
		}
	}
	if buffer.Len() != 0 {
		t.Errorf("Len after flush = %d, want 0", buffer.Len())
	}
}

func TestOverflowBufferDropsOldestWhenFull(t *testing.T) {
	const maxSize = 5
	buffer := NewOverflowBuffer(OverflowBufferOptions{MaxSize: maxSize, Logger: zerolog.Nop()})

	for i := 0; i < maxSize+1; i++ {
		buffer.Add(testRecord(i))
	}

	if buffer.Len() != maxSize {
		t.Fatalf("Len = %d, want %d", buffer.Len(), maxSize)
	}

	records := buffer.Flush()
	// record 0 was the oldest and must be the one evicted
	if records[0].CallerID != fmt.Sprintf("CL-%012d", 1) {
		t.Errorf("oldest surviving record is %s, want CL-%012d", records[0].CallerID, 1)
	}
	if records[len(records)-1].CallerID != fmt.Sprintf("CL-%012d", maxSize) {
		t.Errorf("newest record is %s, want CL-%012d", records[len(records)-1].CallerID, maxSize)
	}
}

func TestOverflowBufferNeverExceedsMaxSize(t *testing.T) {
	const maxSize = 8
	buffer := NewOverflowBuffer(OverflowBufferOptions{MaxSize: maxSize, Logger: zerolog.Nop()})

	for i := 0; i < maxSize*3; i++ {
		buffer.Add(testRecord(i))
		if buffer.Len() > maxSize {
			t.Fatalf("buffer grew to %d entries, max is %d", buffer.Len(), maxSize)
		}
	}
}

func TestOverflowBufferCleanupEvictsByAge(t *testing.T) {
	buffer := NewOverflowBuffer(OverflowBufferOptions{MaxSize: 10, MaxAge: 50 * time.Millisecond, Logger: zerolog.Nop()})

	buffer.Add(testRecord(0))
	buffer.Add(testRecord(1))
	time.Sleep(80 * time.Millisecond)
	buffer.Add(testRecord(2))

	evicted := buffer.Cleanup()
	if evicted != 2 {
		t.Fatalf("Cleanup evicted %d, want 2", evicted)
	}
	if buffer.Len() != 1 {
		t.Fatalf("Len = %d, want 1", buffer.Len())
	}

	records := buffer.Flush()
	if records[0].CallerID != fmt.Sprintf("CL-%012d", 2) {
		t.Errorf("survivor is %s, want the youngest record", records[0].CallerID)
	}
}

func TestOverflowBufferCleanupNoopWhenFresh(t *testing.T) {
	buffer := NewOverflowBuffer(OverflowBufferOptions{MaxSize: 10, MaxAge: time.Hour, Logger: zerolog.Nop()})

	buffer.Add(testRecord(0))
	if evicted := buffer.Cleanup(); evicted != 0 {
		t.Errorf("Cleanup evicted %d fresh entries", evicted)
	}
}
