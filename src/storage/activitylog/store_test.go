package activitylog

import (
	"strings"
	"testing"
	"time"
)

func TestBuildInsertQueryPlaceholders(t *testing.T) {
	now := time.Now()
	records := []Record{
		{CallerID: "CL-000000000001", Endpoint: "/a", Method: "GET", Status: 200, Timestamp: now},
		{CallerID: "CL-000000000002", Endpoint: "/b", Method: "POST", Status: 500, UserAgent: "curl", Timestamp: now},
		{CallerID: "CL-000000000003", Endpoint: "/c", Method: "PUT", Status: 201, Timestamp: now},
	}

	query, args := buildInsertQuery(records)

	if got, want := len(args), len(records)*9; got != want {
		t.Fatalf("args length = %d, want %d", got, want)
	}
	if !strings.HasPrefix(query, "INSERT INTO activity_log ") {
		t.Errorf("unexpected query prefix: %s", query)
	}
	if got, want := strings.Count(query, "("), len(records)+1; got != want {
		t.Errorf("value tuple count = %d, want %d", got-1, want-1)
	}
	if !strings.Contains(query, "$27") || strings.Contains(query, "$28") {
		t.Errorf("placeholder numbering wrong: %s", query)
	}
}

func TestBuildInsertQueryNullsEmptyUserAgent(t *testing.T) {
	records := []Record{
		{CallerID: "CL-000000000001", Endpoint: "/a", Method: "GET", Status: 200, Timestamp: time.Now()},
	}

	_, args := buildInsertQuery(records)

	// user_agent is the 8th column in the tuple
	if args[7] != nil {
		t.Errorf("empty user agent should be inserted as NULL, got %v", args[7])
	}
}
