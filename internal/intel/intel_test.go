package intel

import (
	"testing"
)

func TestParseFullLine(t *testing.T) {
	text := "Here is the fix.\n§ △0.8 ◎surg ■bug ◇0.7 ↻2\nDone."
	in, found := Parse(text)
	if !found {
		t.Fatal("expected a § line")
	}
	if in.Frustration == nil || *in.Frustration != 0.8 {
		t.Errorf("frustration = %v, want 0.8", in.Frustration)
	}
	if in.Specificity != "surg" {
		t.Errorf("specificity = %q, want surg", in.Specificity)
	}
	if in.TaskType != "bug" {
		t.Errorf("task type = %q, want bug", in.TaskType)
	}
	if in.PromptQuality == nil || *in.PromptQuality != 0.7 {
		t.Errorf("quality = %v, want 0.7", in.PromptQuality)
	}
	if in.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", in.Iteration)
	}
}

func TestParseNoLine(t *testing.T) {
	if _, found := Parse("plain answer, no annotation"); found {
		t.Error("found intel in text without a § line")
	}
}

func TestParseEmptyLine(t *testing.T) {
	in, found := Parse("§")
	if !found {
		t.Fatal("a bare § line still counts as found")
	}
	if in.Metadata() != nil {
		t.Errorf("empty line should produce no metadata, got %v", in.Metadata())
	}
}

func TestParseMalformedFieldsSkippedIndependently(t *testing.T) {
	// Bad specificity token and double-digit iteration; the valid
	// frustration must survive.
	in, found := Parse("§ △0.5 ◎zzz ↻12")
	if !found {
		t.Fatal("expected a § line")
	}
	if in.Frustration == nil || *in.Frustration != 0.5 {
		t.Errorf("frustration = %v, want 0.5", in.Frustration)
	}
	if in.Specificity != "" {
		t.Errorf("unknown specificity should be dropped, got %q", in.Specificity)
	}
	if in.Iteration != 0 {
		t.Errorf("double-digit iteration should not parse, got %d", in.Iteration)
	}
}

func TestParseOutOfRangeFloatsDropped(t *testing.T) {
	in, _ := Parse("§ △7.5 ◇0.0")
	if in.Frustration != nil {
		t.Errorf("frustration = %v, out-of-range values must be omitted", *in.Frustration)
	}
	if in.PromptQuality == nil || *in.PromptQuality != 0.0 {
		t.Errorf("quality = %v, want 0.0", in.PromptQuality)
	}
}

func TestParseIterationAtEndOfLine(t *testing.T) {
	in, _ := Parse("§ ↻3")
	if in.Iteration != 3 {
		t.Errorf("iteration = %d, want 3", in.Iteration)
	}
}

func TestTokensKeepShortForm(t *testing.T) {
	// Spelled-out variants still land on the short token values.
	in, _ := Parse("§ ◎Surgical ■Bugfix")
	if in.Specificity != "surg" {
		t.Errorf("specificity = %q, want surg", in.Specificity)
	}
	if in.TaskType != "bug" {
		t.Errorf("task type = %q, want bug", in.TaskType)
	}
}

func TestTaskTypeUnknownMapsToOther(t *testing.T) {
	in, _ := Parse("§ ■mystery")
	if in.TaskType != "other" {
		t.Errorf("task type = %q, want other", in.TaskType)
	}
}

func TestStripRemovesIntelLine(t *testing.T) {
	text := "Answer first line.\n§ △0.8 ■bug\nAnswer last line."
	got := Strip(text)
	want := "Answer first line.\nAnswer last line."
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStripWithoutIntelLineIsIdentity(t *testing.T) {
	text := "No annotation here.\nSecond line."
	if got := Strip(text); got != text {
		t.Errorf("Strip changed text without a § line: %q", got)
	}
}

func TestStripTrailingIntelLine(t *testing.T) {
	got := Strip("The answer.\n§ ◇0.9")
	if got != "The answer." {
		t.Errorf("Strip = %q, want %q", got, "The answer.")
	}
}

func TestMetadataKeys(t *testing.T) {
	in, _ := Parse("§ △0.8 ◎const ■feat ◇0.7 ↻2")
	md := in.Metadata()
	if md["intel_frustration"] != 0.8 {
		t.Errorf("intel_frustration = %v", md["intel_frustration"])
	}
	if md["intel_specificity"] != "const" {
		t.Errorf("intel_specificity = %v", md["intel_specificity"])
	}
	if md["intel_task_type"] != "feat" {
		t.Errorf("intel_task_type = %v", md["intel_task_type"])
	}
	if md["intel_quality"] != 0.7 {
		t.Errorf("intel_quality = %v", md["intel_quality"])
	}
	if md["intel_iteration"] != 2 {
		t.Errorf("intel_iteration = %v", md["intel_iteration"])
	}
}
