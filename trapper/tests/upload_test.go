package tests

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/schema"
)

const singleCollection = `
collections:
  - name: C1
    resources_dir: res
    resources:
      - name: R1
        file: r1.jpg
        date_recorded: 2020-03-01T10:00:00Z
`

const missingEntry = `
collections:
  - name: C1
    resources_dir: res
    resources:
      - name: R1
        file: r1.jpg
        date_recorded: 2020-03-01T10:00:00Z
      - name: R2
        file: r2.jpg
        date_recorded: 2020-03-01T10:00:05Z
`

// uploadAndWait uploads an archive, runs the ingest task and returns its result.
func uploadAndWait(t *testing.T, env *testEnv, c client, definition string, files map[string][]byte) ingest.Result {
	taskId, err := c.upload(definition, testArchive(t, files))
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	task, err := c.task(taskId)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != schema.TaskSuccess {
		t.Fatalf("ingest task finished with state %v: %v", task.State, task.Error)
	}

	var result ingest.Result
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatal(err)
	}
	return result
}

func TestUploadCollection(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "abc")

	result := uploadAndWait(t, env, user, singleCollection, map[string][]byte{"res/r1.jpg": testJpeg(t)})
	if result.Processed != 1 || result.Total != 1 || len(result.Errors) != 0 {
		t.Fatalf("invalid ingest result %+v", result)
	}
	if len(result.Collections) != 1 {
		t.Fatalf("expected one collection, got %v", result.Collections)
	}

	collectionId := result.Collections[0].String()
	info, err := user.collectionInfo(collectionId)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "C1" || info.OwnerId.String() != user.userId {
		t.Fatalf("invalid collection %+v", info)
	}

	resources, err := user.listResources("?collection=" + collectionId)
	if err != nil {
		t.Fatal(err)
	}
	if len(resources.Items) != 1 {
		t.Fatalf("expected one resource, got %d", len(resources.Items))
	}
	r1 := resources.Items[0]
	if r1.Name != "R1" || r1.ResourceType != schema.ImageResource || !r1.HasThumbnail {
		t.Fatalf("invalid resource %+v", r1)
	}
	if r1.DateRecorded.Year() != 2020 || r1.DateRecorded.Month() != 3 {
		t.Fatalf("invalid recording date %v", r1.DateRecorded)
	}

	messages, err := user.inbox()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, msg := range messages {
		if strings.Contains(msg.Text, "Processed 1 out of 1 resources") {
			found = true
		}
	}
	if !found {
		t.Fatal("owner should receive the ingest result")
	}
}

func TestUploadMissingArchiveEntry(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "abc")

	result := uploadAndWait(t, env, user, missingEntry, map[string][]byte{"res/r1.jpg": testJpeg(t)})
	if result.Processed != 1 || result.Total != 2 {
		t.Fatalf("invalid ingest result %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Resource != "R2" || !strings.Contains(result.Errors[0].Error, ingest.ErrMissingArchiveEntry.Error()) {
		t.Fatalf("expected missing entry error for R2, got %v", result.Errors)
	}

	resources, err := user.listResources(fmt.Sprintf("?collection=%v", result.Collections[0]))
	if err != nil {
		t.Fatal(err)
	}
	if len(resources.Items) != 1 || resources.Items[0].Name != "R1" {
		t.Fatalf("only R1 should be ingested, got %v", resources.Items)
	}

	messages, err := user.inbox()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, msg := range messages {
		if strings.Contains(msg.Text, "resource: R2, error: missing archive entry") {
			found = true
		}
	}
	if !found {
		t.Fatal("ingest result should list the missing resource")
	}
}

func TestUploadInvalidDefinition(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "abc")

	archive := testArchive(t, map[string][]byte{"res/r1.jpg": testJpeg(t)})
	if _, err := user.upload("collections:\n  - name: C1\n", archive); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid definition error, got %v", err)
	}
	if _, err := user.upload("unknown: 1\n", archive); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid definition error, got %v", err)
	}
}

func TestResourcesOfOthersAreHidden(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t, "abc")
	other := env.newUser(t, "xyz")

	result := uploadAndWait(t, env, owner, singleCollection, map[string][]byte{"res/r1.jpg": testJpeg(t)})

	if _, err := other.collectionInfo(result.Collections[0].String()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	resources, err := other.listResources("")
	if err != nil {
		t.Fatal(err)
	}
	if len(resources.Items) != 0 {
		t.Fatalf("private resources should be hidden, got %v", resources.Items)
	}
}
