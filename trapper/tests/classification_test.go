package tests

import (
	"errors"
	"testing"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/services"

	"github.com/google/uuid"
)

const twoResources = `
collections:
  - name: C1
    resources_dir: res
    resources:
      - name: R1
        file: r1.jpg
        date_recorded: 2020-03-01T10:00:00Z
      - name: R2
        file: r2.jpg
        date_recorded: 2020-03-01T12:00:00Z
`

type classificationSetup struct {
	owner           client
	experts         []client
	projectId       uuid.UUID
	classifications []services.ClassificationInfo
}

// setupClassification builds a classification project over one uploaded collection of two
// images, classified by two experts.
func setupClassification(t *testing.T, env *testEnv) classificationSetup {
	owner := env.newUser(t, "owner")
	admin := env.adminClient(t)

	result := uploadAndWait(t, env, owner, twoResources, map[string][]byte{"res/r1.jpg": testJpeg(t), "res/r2.jpg": testJpeg(t)})
	collectionId := result.Collections[0].String()

	researchId, err := owner.createResearchProject("Wolves of Bialowieza", "WLV")
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.decideResearchProject(researchId, schema.ProjectApproved); err != nil {
		t.Fatal(err)
	}
	if err := owner.addProjectCollections(researchId, collectionId); err != nil {
		t.Fatal(err)
	}

	classificatorId, err := owner.createClassificator("Mammals")
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.setCustomAttr(classificatorId, "count", schema.FieldInt, schema.TargetStatic); err != nil {
		t.Fatal(err)
	}
	if err := owner.setCustomAttr(classificatorId, "behaviour", schema.FieldString, schema.TargetDynamic, "grazing", "resting"); err != nil {
		t.Fatal(err)
	}

	projectId, err := owner.createClassificationProject("Wolves 2020", researchId, classificatorId)
	if err != nil {
		t.Fatal(err)
	}
	created, err := owner.addClassificationCollections(projectId, collectionId)
	if err != nil {
		t.Fatal(err)
	}
	if created != 2 {
		t.Fatalf("expected 2 classifications to be created, got %d", created)
	}

	experts := []client{env.newUser(t, "expert1"), env.newUser(t, "expert2")}
	for _, expert := range experts {
		if err := owner.setClassificationRole(projectId, expert.userId, schema.RoleExpert); err != nil {
			t.Fatal(err)
		}
	}

	classifications, err := owner.listClassifications(projectId)
	if err != nil {
		t.Fatal(err)
	}
	if len(classifications.Items) != 2 {
		t.Fatalf("expected 2 classifications, got %d", len(classifications.Items))
	}

	return classificationSetup{
		owner:           owner,
		experts:         experts,
		projectId:       uuid.MustParse(projectId),
		classifications: classifications.Items,
	}
}

func submission(count int, behaviour string) (map[string]interface{}, []map[string]interface{}) {
	return map[string]interface{}{"count": count}, []map[string]interface{}{{"behaviour": behaviour}}
}

func TestApproveThenUnapprove(t *testing.T) {
	env := setupTestEnv(t)
	s := setupClassification(t, env)
	c := s.classifications[0]

	static, dynamic := submission(2, "grazing")
	uc, err := s.experts[0].submit(s.projectId, c.Id, static, dynamic)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.experts[0].approve(s.projectId, c.Id, uc.Id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("experts should not approve, got %v", err)
	}

	approved, err := s.owner.approve(s.projectId, c.Id, uc.Id)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != schema.ClassificationApproved || approved.ApprovedAt == nil {
		t.Fatalf("classification should be approved: %+v", approved)
	}
	if approved.ApprovedById == nil || approved.ApprovedById.String() != s.owner.userId {
		t.Fatalf("invalid approver %v", approved.ApprovedById)
	}
	if approved.StaticAttrs["count"] != float64(2) {
		t.Fatalf("approved values should be copied, got %v", approved.StaticAttrs)
	}
	if len(approved.DynamicAttrs) != 1 || approved.DynamicAttrs[0]["behaviour"] != "grazing" {
		t.Fatalf("approved rows should be copied, got %v", approved.DynamicAttrs)
	}

	if err := s.owner.unapproveAt(s.projectId, c.Id, approved.UpdatedAt.Add(-time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("unapprove with a stale timestamp should conflict, got %v", err)
	}

	unapproved, err := s.owner.unapprove(s.projectId, c.Id)
	if err != nil {
		t.Fatal(err)
	}
	if unapproved.Status != schema.ClassificationRejected || unapproved.ApprovedAt != nil || unapproved.ApprovedById != nil {
		t.Fatalf("classification should be unapproved: %+v", unapproved)
	}

	details, err := s.owner.classification(s.projectId, c.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.DynamicAttrs) != 0 {
		t.Fatalf("unapproved classification should have no rows, got %v", details.DynamicAttrs)
	}
	if len(details.UserClassifications) != 1 || details.UserClassifications[0].Id != uc.Id {
		t.Fatalf("user classification should be kept, got %v", details.UserClassifications)
	}
}

func TestResubmitReplacesValues(t *testing.T) {
	env := setupTestEnv(t)
	s := setupClassification(t, env)
	c := s.classifications[0]

	static, dynamic := submission(1, "resting")
	first, err := s.experts[0].submit(s.projectId, c.Id, static, dynamic)
	if err != nil {
		t.Fatal(err)
	}
	static, dynamic = submission(3, "grazing")
	second, err := s.experts[0].submit(s.projectId, c.Id, static, dynamic)
	if err != nil {
		t.Fatal(err)
	}
	if first.Id != second.Id {
		t.Fatal("one user should have a single submission per classification")
	}
	if second.StaticAttrs["count"] != float64(3) {
		t.Fatalf("values should be replaced, got %v", second.StaticAttrs)
	}

	static, dynamic = submission(1, "sleeping")
	if _, err := s.experts[0].submit(s.projectId, c.Id, static, dynamic); !errors.Is(err, ErrInvalid) {
		t.Fatalf("value outside of choices should be rejected, got %v", err)
	}
}

func TestBulkApproveMixedUsers(t *testing.T) {
	env := setupTestEnv(t)
	s := setupClassification(t, env)

	ucIds := make([]uuid.UUID, 0, 2)
	for i, expert := range s.experts {
		static, dynamic := submission(i+1, "grazing")
		uc, err := expert.submit(s.projectId, s.classifications[i].Id, static, dynamic)
		if err != nil {
			t.Fatal(err)
		}
		ucIds = append(ucIds, uc.Id)
	}

	if err := s.owner.bulkApprove(s.projectId, ucIds...); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bulk approval of different users should be rejected, got %v", err)
	}

	for _, c := range s.classifications {
		details, err := s.owner.classification(s.projectId, c.Id)
		if err != nil {
			t.Fatal(err)
		}
		if details.Status == schema.ClassificationApproved || details.ApprovedAt != nil {
			t.Fatalf("classification %v should not be approved", c.Id)
		}
	}

	if err := s.owner.bulkApprove(s.projectId, ucIds[0]); err != nil {
		t.Fatal(err)
	}
	details, err := s.owner.classification(s.projectId, s.classifications[0].Id)
	if err != nil {
		t.Fatal(err)
	}
	if details.Status != schema.ClassificationApproved {
		t.Fatal("single user bulk approval should succeed")
	}
}

func TestExpertsSeeOnlyOwnSubmissions(t *testing.T) {
	env := setupTestEnv(t)
	s := setupClassification(t, env)
	c := s.classifications[0]

	for i, expert := range s.experts {
		static, dynamic := submission(i+1, "grazing")
		if _, err := expert.submit(s.projectId, c.Id, static, dynamic); err != nil {
			t.Fatal(err)
		}
	}

	details, err := s.experts[0].classification(s.projectId, c.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.UserClassifications) != 1 || details.UserClassifications[0].OwnerId.String() != s.experts[0].userId {
		t.Fatalf("expert should only see own submission, got %v", details.UserClassifications)
	}

	details, err = s.owner.classification(s.projectId, c.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.UserClassifications) != 2 {
		t.Fatalf("project admin should see every submission, got %d", len(details.UserClassifications))
	}

	outsider := env.newUser(t, "outsider")
	if _, err := outsider.classification(s.projectId, c.Id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("users without a role should be rejected, got %v", err)
	}
}
