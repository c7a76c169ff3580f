package promptcompose

import (
	"strings"
	"testing"
)

func TestNew_LoadsAllTemplates(t *testing.T) {
	c, err := New("./templates")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	names := c.Names()
	want := map[string]bool{"extraction": false, "report": false, "chatbot": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, found := range want {
		if !found {
			t.Errorf("expected template %q to be loaded, got %v", n, names)
		}
	}
}

func TestCompose_Extraction(t *testing.T) {
	c, err := New("./templates")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	out, err := c.Compose("extraction", ExtractionData{
		DocumentBatch: []string{"chunk one text", "chunk two text"},
		BatchNumber:   3,
	})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if !strings.Contains(out, "chunk one text") || !strings.Contains(out, "BATCH 3") {
		t.Errorf("Compose() output missing expected content: %s", out)
	}
}

func TestCompose_Report(t *testing.T) {
	c, err := New("./templates")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	out, err := c.Compose("report", ReportData{
		Indicator:     "PDO Indicator 1",
		Year:          "2025",
		TotalExpected: 100,
		TotalAchieved: 72,
		ProgressPct:   72,
		RetrievedRows: []string{"row a", "row b"},
	})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if !strings.Contains(out, "PDO Indicator 1") || !strings.Contains(out, "row a") {
		t.Errorf("Compose() output missing expected content: %s", out)
	}
}

func TestCompose_Chatbot(t *testing.T) {
	c, err := New("./templates")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	out, err := c.Compose("chatbot", ConversationData{
		Phase:     "Progress 2025",
		UserInput: "how many innovations were reported?",
		History:   []ConversationTurn{{UserInput: "hi", AIOutput: "hello"}},
	})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if !strings.Contains(out, "Progress 2025") || !strings.Contains(out, "how many innovations") {
		t.Errorf("Compose() output missing expected content: %s", out)
	}
}

func TestCompose_UnknownTemplate(t *testing.T) {
	c, err := New("./templates")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.Compose("does-not-exist", nil); err == nil {
		t.Fatal("Compose() expected error for unknown template")
	}
}
