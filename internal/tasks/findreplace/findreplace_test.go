package findreplace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edusuite/coursescan/internal/lms"
	"github.com/edusuite/coursescan/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// fakeClient serves canned content and records updates. When bodies is
// set, listings come back body-less and GetBody supplies the text, the
// way page listings behave.
type fakeClient struct {
	items   map[lms.ContentType][]lms.Item
	bodies  map[string]string // "type/id" -> full body
	updates map[string]string // "type/id" -> new body
	listErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		items:   make(map[lms.ContentType][]lms.Item),
		updates: make(map[string]string),
	}
}

func (f *fakeClient) ListContent(_ context.Context, _, _ string, ct lms.ContentType, page, perPage int) ([]lms.Item, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := f.items[ct]
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (f *fakeClient) GetBody(_ context.Context, _, _ string, ct lms.ContentType, id string) (lms.Item, error) {
	for _, item := range f.items[ct] {
		if item.ID == id {
			if body, ok := f.bodies[string(ct)+"/"+id]; ok {
				item.Body = body
			}
			return item, nil
		}
	}
	return lms.Item{}, fmt.Errorf("no such item %s/%s", ct, id)
}

func (f *fakeClient) UpdateBody(_ context.Context, _, _ string, ct lms.ContentType, id, body string) error {
	f.updates[string(ct)+"/"+id] = body
	return nil
}

func newTask(client lms.ContentClient) *Task {
	return NewFactory(client, nil, testLogger())().(*Task)
}

func testConfig(opts map[string]any, contentTypes ...string) task.Config {
	return task.Config{
		ID:           uuid.New(),
		Type:         TypeName,
		Principal:    "teacher-1",
		CourseID:     "c-101",
		ContentTypes: contentTypes,
		Options:      opts,
		BatchSize:    10,
	}
}

func testTracker() *task.Tracker {
	return task.NewTracker(uuid.New(), "teacher-1", nil, nil, &atomic.Bool{}, testLogger())
}

func TestValidate(t *testing.T) {
	tr := newTask(newFakeClient())

	t.Run("valid config", func(t *testing.T) {
		vr := tr.Validate(testConfig(map[string]any{
			"mappings": map[string]any{"Blackboard": "Canvas"},
		}))
		assert.True(t, vr.Valid)
		assert.Empty(t, vr.Errors)
	})

	t.Run("empty mappings rejected", func(t *testing.T) {
		vr := tr.Validate(testConfig(map[string]any{"mappings": map[string]any{}}))
		assert.False(t, vr.Valid)
		assert.Contains(t, vr.Errors[0], "mappings cannot be empty")
	})

	t.Run("identity mapping warns", func(t *testing.T) {
		vr := tr.Validate(testConfig(map[string]any{
			"mappings": map[string]any{"term": "term"},
		}))
		assert.True(t, vr.Valid)
		require.Len(t, vr.Warnings, 1)
	})
}

func TestExecuteReplacesAcrossContentTypes(t *testing.T) {
	client := newFakeClient()
	client.items[lms.ContentPages] = []lms.Item{
		{Type: lms.ContentPages, ID: "week-1", Title: "Week 1", Body: "<p>Email prof@old-lms.edu via Blackboard</p>"},
		{Type: lms.ContentPages, ID: "week-2", Title: "Week 2", Body: "<p>Nothing to see</p>"},
	}
	client.items[lms.ContentAssignments] = []lms.Item{
		{Type: lms.ContentAssignments, ID: "7", Title: "Essay", Body: "Submit on blackboard please"},
	}

	cfg := testConfig(map[string]any{
		"mappings": map[string]any{"Blackboard": "Canvas"},
	}, "pages", "assignments")

	res, err := newTask(client).Execute(context.Background(), cfg, testTracker())
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalScanned)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, 2, res.FindingsByType["replacement"])

	// Case-insensitive by default: both spellings replaced.
	assert.Equal(t, "<p>Email prof@old-lms.edu via Canvas</p>", client.updates["pages/week-1"])
	assert.Equal(t, "Submit on Canvas please", client.updates["assignments/7"])
	_, touched := client.updates["pages/week-2"]
	assert.False(t, touched, "items without matches are never written")
}

func TestExecuteCaseSensitive(t *testing.T) {
	client := newFakeClient()
	client.items[lms.ContentPages] = []lms.Item{
		{Type: lms.ContentPages, ID: "p1", Title: "P1", Body: "Blackboard and blackboard"},
	}

	cfg := testConfig(map[string]any{
		"mappings":       map[string]any{"Blackboard": "Canvas"},
		"case_sensitive": true,
	}, "pages")

	res, err := newTask(client).Execute(context.Background(), cfg, testTracker())
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Contains(t, res.Findings[0].Description, "1 occurrence")
	assert.Equal(t, "Canvas and blackboard", client.updates["pages/p1"])
}

func TestExecuteWholeWord(t *testing.T) {
	client := newFakeClient()
	client.items[lms.ContentPages] = []lms.Item{
		{Type: lms.ContentPages, ID: "p1", Title: "P1", Body: "art and artful and smart"},
	}

	cfg := testConfig(map[string]any{
		"mappings":   map[string]any{"art": "craft"},
		"whole_word": true,
	}, "pages")

	_, err := newTask(client).Execute(context.Background(), cfg, testTracker())
	require.NoError(t, err)
	assert.Equal(t, "craft and artful and smart", client.updates["pages/p1"])
}

func TestExecuteDryRunReportsWithoutWriting(t *testing.T) {
	client := newFakeClient()
	client.items[lms.ContentPages] = []lms.Item{
		{Type: lms.ContentPages, ID: "p1", Title: "P1", Body: "old term here"},
	}

	cfg := testConfig(map[string]any{
		"mappings": map[string]any{"old term": "new term"},
		"dry_run":  true,
	}, "pages")

	res, err := newTask(client).Execute(context.Background(), cfg, testTracker())
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, "match", res.Findings[0].FindingType)
	assert.Empty(t, client.updates)
}

func TestExecuteFetchesMissingBodies(t *testing.T) {
	client := newFakeClient()
	// Listing omits the body, as page listings do; GetBody must fill it.
	client.items[lms.ContentPages] = []lms.Item{
		{Type: lms.ContentPages, ID: "p1", Title: "P1"},
	}
	client.bodies = map[string]string{"pages/p1": "the old term"}

	cfg := testConfig(map[string]any{
		"mappings": map[string]any{"old term": "new term"},
	}, "pages")

	res, err := newTask(client).Execute(context.Background(), cfg, testTracker())
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "the new term", client.updates["pages/p1"])
}

func TestExecuteModuleNamesAreReadOnly(t *testing.T) {
	client := newFakeClient()
	client.items[lms.ContentModules] = []lms.Item{
		{Type: lms.ContentModules, ID: "1", Title: "Blackboard Orientation"},
	}

	cfg := testConfig(map[string]any{
		"mappings": map[string]any{"Blackboard": "Canvas"},
	}, "modules")

	res, err := newTask(client).Execute(context.Background(), cfg, testTracker())
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, "match", res.Findings[0].FindingType, "module names are reported, never rewritten")
	assert.Empty(t, client.updates)
}

func TestExecuteStopsWhenCancelled(t *testing.T) {
	client := newFakeClient()
	client.items[lms.ContentPages] = []lms.Item{
		{Type: lms.ContentPages, ID: "p1", Title: "P1", Body: "x"},
	}

	var cancelled atomic.Bool
	cancelled.Store(true)
	tracker := task.NewTracker(uuid.New(), "teacher-1", nil, nil, &cancelled, testLogger())

	cfg := testConfig(map[string]any{
		"mappings": map[string]any{"x": "y"},
	}, "pages")

	_, err := newTask(client).Execute(context.Background(), cfg, tracker)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.updates)
}
