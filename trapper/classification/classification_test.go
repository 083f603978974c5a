package classification_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

func newUser(t *testing.T, db *gorm.DB, name string) schema.User {
	u := schema.User{Id: uuid.New(), Username: name, Email: name + "@mail.com", IsActive: true}
	require.NoError(t, db.Create(&u).Error)
	return u
}

type fixture struct {
	owner     schema.User
	project   schema.ClassificationProject
	wrapper   schema.ClassificationProjectCollection
	resources []schema.Resource
	deps      []schema.Deployment
	t0        time.Time
}

// newFixture builds a project with one collection holding four resources: three recorded
// minutes apart on the first deployment and one on a second deployment.
func newFixture(t *testing.T, db *gorm.DB) fixture {
	f := fixture{owner: newUser(t, db, "owner"), t0: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	loc := schema.Location{Id: uuid.New(), LocationId: "L1", OwnerId: f.owner.Id, Longitude: 21.01, Latitude: 52.23, Timezone: "UTC"}
	require.NoError(t, db.Create(&loc).Error)
	for _, code := range []string{"D1", "D2"} {
		dep := schema.Deployment{Id: uuid.New(), DeploymentCode: code, LocationId: loc.Id, OwnerId: f.owner.Id}
		require.NoError(t, db.Create(&dep).Error)
		f.deps = append(f.deps, dep)
	}

	col := schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: f.owner.Id, Status: schema.Private}
	require.NoError(t, db.Create(&col).Error)

	offsets := []time.Duration{0, time.Minute, 30 * time.Minute, 2 * time.Minute}
	for i, offset := range offsets {
		dep := f.deps[0]
		if i == 3 {
			dep = f.deps[1]
		}
		res := schema.Resource{
			Id:           uuid.New(),
			Name:         "R" + string(rune('1'+i)),
			ResourceType: schema.ImageResource,
			OwnerId:      f.owner.Id,
			Status:       schema.Private,
			DeploymentId: &dep.Id,
			DateRecorded: f.t0.Add(offset),
		}
		if i == 2 {
			res.ResourceType = schema.VideoResource
		}
		require.NoError(t, db.Create(&res).Error)
		require.NoError(t, db.Create(&schema.CollectionResource{CollectionId: col.Id, ResourceId: res.Id}).Error)
		f.resources = append(f.resources, res)
	}

	rp := schema.ResearchProject{Id: uuid.New(), Name: "Wolves", Acronym: "WLV", OwnerId: f.owner.Id, Status: schema.ProjectApproved}
	require.NoError(t, db.Create(&rp).Error)
	rpc := schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: rp.Id, CollectionId: col.Id}
	require.NoError(t, db.Create(&rpc).Error)

	f.project = schema.ClassificationProject{Id: uuid.New(), Name: "Wolves 2024", ResearchProjectId: rp.Id, OwnerId: f.owner.Id, Status: schema.ProjectOngoing}
	require.NoError(t, db.Create(&f.project).Error)
	f.wrapper = schema.ClassificationProjectCollection{Id: uuid.New(), ProjectId: f.project.Id, CollectionId: rpc.Id, IsActive: true}
	require.NoError(t, db.Create(&f.wrapper).Error)

	n, err := classification.Rebuild(db, f.project.Id)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return f
}

func (f fixture) classificationOf(t *testing.T, db *gorm.DB, resourceId uuid.UUID) schema.Classification {
	var c schema.Classification
	require.NoError(t, db.Preload("DynamicAttrs").First(&c, "project_id = ? AND resource_id = ?", f.project.Id, resourceId).Error)
	return c
}

func speciesSubmission(name string, count int64) classification.Submission {
	return classification.Submission{
		Static:  schema.AttrBag{"empty": schema.BoolValue(false)},
		Dynamic: []schema.AttrBag{{"species": schema.StringValue(name), "count": schema.IntValue(count)}},
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)

	n, err := classification.Rebuild(db, f.project.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := classification.ProjectStats(db, f.project.Id)
	require.NoError(t, err)
	assert.Equal(t, classification.Stats{Total: 4, Unclassified: 4}, stats)
}

func TestSubmitAndApprove(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	expert := newUser(t, db, "expert")

	c := f.classificationOf(t, db, f.resources[0].Id)
	uc, err := classification.Submit(db, &f.project, c.Id, expert, speciesSubmission("wolf", 2))
	require.NoError(t, err)
	assert.Len(t, uc.DynamicAttrs, 1)

	// a second submission by the same user replaces the first
	uc2, err := classification.Submit(db, &f.project, c.Id, expert, speciesSubmission("wolf", 3))
	require.NoError(t, err)
	assert.Equal(t, uc.Id, uc2.Id)

	c = f.classificationOf(t, db, f.resources[0].Id)
	assert.Equal(t, schema.ClassificationRejected, c.Status)

	stats, err := classification.ProjectStats(db, f.project.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Classified)

	stale := c.UpdatedAt.Add(-time.Minute)
	_, err = classification.Approve(db, f.project.Id, c.Id, uc.Id, f.owner, &stale)
	assert.ErrorIs(t, err, classification.ErrStaleClassification)

	approved, err := classification.Approve(db, f.project.Id, c.Id, uc.Id, f.owner, &c.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, schema.ClassificationApproved, approved.Status)
	assert.Equal(t, uc.Id, *approved.ApprovedSourceId)

	c = f.classificationOf(t, db, f.resources[0].Id)
	require.Len(t, c.DynamicAttrs, 1)
	assert.Equal(t, int64(3), c.DynamicAttrs[0].Attrs.Data()["count"].Int)

	other := f.classificationOf(t, db, f.resources[1].Id)
	_, err = classification.Approve(db, f.project.Id, other.Id, uc.Id, f.owner, nil)
	assert.ErrorIs(t, err, classification.ErrWrongClassification)

	_, err = classification.Approve(db, uuid.New(), c.Id, uc.Id, f.owner, nil)
	assert.ErrorIs(t, err, classification.ErrWrongProject)

	stats, err = classification.ProjectStats(db, f.project.Id)
	require.NoError(t, err)
	assert.Equal(t, classification.Stats{Total: 4, Approved: 1, Unclassified: 3}, stats)

	unapproved, err := classification.Unapprove(db, f.project.Id, c.Id, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ClassificationRejected, unapproved.Status)
	assert.Nil(t, unapproved.ApprovedAt)
	c = f.classificationOf(t, db, f.resources[0].Id)
	assert.Empty(t, c.DynamicAttrs)

	cleared, err := classification.Clear(db, f.project.Id, c.Id, nil)
	require.NoError(t, err)
	assert.Empty(t, cleared.StaticAttrs.Data())

	var kept int64
	require.NoError(t, db.Model(&schema.UserClassification{}).Where("classification_id = ?", c.Id).Count(&kept).Error)
	assert.Equal(t, int64(1), kept)
}

func TestSubmitToFinishedProject(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)

	f.project.Status = schema.ProjectFinished
	c := f.classificationOf(t, db, f.resources[0].Id)
	_, err := classification.Submit(db, &f.project, c.Id, f.owner, speciesSubmission("wolf", 1))
	assert.ErrorIs(t, err, classification.ErrProjectFinished)
}

func TestUnapproveAndClearRejectStaleTimestamp(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)

	c := f.classificationOf(t, db, f.resources[0].Id)
	uc, err := classification.Submit(db, &f.project, c.Id, f.owner, speciesSubmission("wolf", 1))
	require.NoError(t, err)
	approved, err := classification.Approve(db, f.project.Id, c.Id, uc.Id, f.owner, nil)
	require.NoError(t, err)

	stale := approved.UpdatedAt.Add(-time.Minute)
	_, err = classification.Unapprove(db, f.project.Id, c.Id, &stale)
	assert.ErrorIs(t, err, classification.ErrStaleClassification)
	_, err = classification.Clear(db, f.project.Id, c.Id, &stale)
	assert.ErrorIs(t, err, classification.ErrStaleClassification)

	c = f.classificationOf(t, db, f.resources[0].Id)
	assert.Equal(t, schema.ClassificationApproved, c.Status)
	assert.Len(t, c.DynamicAttrs, 1)

	unapproved, err := classification.Unapprove(db, f.project.Id, c.Id, &c.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, schema.ClassificationRejected, unapproved.Status)

	c = f.classificationOf(t, db, f.resources[0].Id)
	cleared, err := classification.Clear(db, f.project.Id, c.Id, &c.UpdatedAt)
	require.NoError(t, err)
	assert.Empty(t, cleared.StaticAttrs.Data())
}

func TestBulkApprovePolicy(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	alice := newUser(t, db, "alice")
	bob := newUser(t, db, "bob")

	c1 := f.classificationOf(t, db, f.resources[0].Id)
	c2 := f.classificationOf(t, db, f.resources[1].Id)

	a1, err := classification.Submit(db, &f.project, c1.Id, alice, speciesSubmission("wolf", 1))
	require.NoError(t, err)
	a2, err := classification.Submit(db, &f.project, c2.Id, alice, speciesSubmission("lynx", 1))
	require.NoError(t, err)
	b1, err := classification.Submit(db, &f.project, c1.Id, bob, speciesSubmission("fox", 1))
	require.NoError(t, err)

	_, err = classification.BulkApprove(db, f.project.Id, []uuid.UUID{a1.Id, b1.Id}, f.owner)
	assert.ErrorIs(t, err, classification.ErrBulkApprovePolicyViolation)

	_, err = classification.BulkApprove(db, f.project.Id, nil, f.owner)
	assert.ErrorIs(t, err, classification.ErrNothingToApprove)

	approved, err := classification.BulkApprove(db, f.project.Id, []uuid.UUID{a1.Id, a2.Id}, f.owner)
	require.NoError(t, err)
	assert.Len(t, approved, 2)

	has, err := classification.HasApproved(db, f.project.Id)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSequences(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	r := f.resources

	seq, err := classification.CreateSequence(db, f.wrapper, []uuid.UUID{r[0].Id, r[1].Id}, "pair", &f.owner.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.SequenceId)
	assert.Equal(t, seq.Id, *f.classificationOf(t, db, r[0].Id).SequenceId)

	_, err = classification.CreateSequence(db, f.wrapper, []uuid.UUID{r[1].Id, r[2].Id}, "", nil)
	assert.ErrorIs(t, err, classification.ErrResourceSequenced)

	_, err = classification.CreateSequence(db, f.wrapper, []uuid.UUID{r[2].Id, r[3].Id}, "", nil)
	assert.ErrorIs(t, err, classification.ErrMixedDeployments)

	_, err = classification.CreateSequence(db, f.wrapper, []uuid.UUID{uuid.New()}, "", nil)
	assert.ErrorIs(t, err, classification.ErrResourceNotInScope)

	_, err = classification.CreateSequence(db, f.wrapper, nil, "", nil)
	assert.ErrorIs(t, err, classification.ErrEmptySequence)

	seq, err = classification.UpdateSequence(db, f.wrapper, seq, []uuid.UUID{r[0].Id, r[1].Id, r[2].Id}, "triple")
	require.NoError(t, err)
	assert.Len(t, seq.Resources, 3)
	assert.Equal(t, "triple", seq.Description)

	// a submission with the sequence reaches every classification in it
	expert := newUser(t, db, "expert")
	c := f.classificationOf(t, db, r[0].Id)
	_, err = classification.Submit(db, &f.project, c.Id, expert, classification.Submission{
		Static:     schema.AttrBag{"empty": schema.BoolValue(true)},
		SequenceId: &seq.Id,
	})
	require.NoError(t, err)
	var submitted int64
	require.NoError(t, db.Model(&schema.UserClassification{}).Where("owner_id = ?", expert.Id).Count(&submitted).Error)
	assert.Equal(t, int64(3), submitted)

	require.NoError(t, classification.DeleteSequences(db, []uuid.UUID{seq.Id}))
	assert.Nil(t, f.classificationOf(t, db, r[0].Id).SequenceId)
}

func TestBuildSequences(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)

	_, err := classification.CreateSequence(db, f.wrapper, []uuid.UUID{f.resources[1].Id, f.resources[2].Id}, "manual", nil)
	require.NoError(t, err)

	calls := 0
	n, err := classification.BuildSequences(db, f.wrapper, 5*time.Minute, &f.owner.Id, func(done, total int) error {
		calls++
		assert.Equal(t, 2, total)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)

	var seqs []schema.Sequence
	require.NoError(t, db.Preload("Resources").Where("collection_id = ?", f.wrapper.Id).Find(&seqs).Error)
	require.Len(t, seqs, 1)
	assert.Equal(t, 1, seqs[0].SequenceId)
	assert.Len(t, seqs[0].Resources, 2)
	assert.Nil(t, f.classificationOf(t, db, f.resources[2].Id).SequenceId)
}

func TestResourceStillReferenced(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)

	c := f.classificationOf(t, db, f.resources[0].Id)
	uc, err := classification.Submit(db, &f.project, c.Id, f.owner, speciesSubmission("wolf", 1))
	require.NoError(t, err)
	_, err = classification.Approve(db, f.project.Id, c.Id, uc.Id, f.owner, nil)
	require.NoError(t, err)

	referenced, err := classification.ResourceStillReferenced(db, f.resources[0].Id)
	require.NoError(t, err)
	assert.False(t, referenced)

	require.NoError(t, db.Model(&f.project).Update("status", schema.ProjectFinished).Error)
	referenced, err = classification.ResourceStillReferenced(db, f.resources[0].Id)
	require.NoError(t, err)
	assert.True(t, referenced)
}

func newForm(t *testing.T, db *gorm.DB) classify.Form {
	c := &schema.Classificator{Id: uuid.New(), Name: "Mammals", Template: schema.TemplateInline}
	require.NoError(t, classify.SetCustomAttr(c, "count", schema.CustomAttribute{FieldType: schema.FieldInt, Target: schema.TargetDynamic, Required: true}))
	require.NoError(t, classify.SetCustomAttr(c, "empty", schema.CustomAttribute{FieldType: schema.FieldBool, Target: schema.TargetStatic}))
	require.NoError(t, classify.SetPredefinedAttrs(c, map[string]schema.PredefinedAttribute{
		schema.AttrAnnotations: {Target: schema.TargetDynamic},
	}))
	form, err := classify.Compile(db, c)
	require.NoError(t, err)
	return form
}

func TestImportAndExport(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	form := newForm(t, db)

	c1 := f.classificationOf(t, db, f.resources[0].Id)
	c2 := f.classificationOf(t, db, f.resources[1].Id)
	video := f.classificationOf(t, db, f.resources[2].Id)

	table := strings.Join([]string{
		"classification_id,attribute,row,value",
		c1.Id.String() + ",empty,,false",
		c1.Id.String() + ",count,0,2",
		c1.Id.String() + ",count,1,1",
		c2.Id.String() + ",count,0,4",
		c2.Id.String() + ",colour,0,grey",
		c1.Id.String() + ",annotations,0,00:00:01-00:00:03",
		video.Id.String() + ",annotations,0,00:00:01-00:00:03",
		video.Id.String() + ",count,0,3",
		"not-an-id,count,0,1",
	}, "\n")

	rows, parseErrs, err := classification.ParseImportCSV(strings.NewReader(table))
	require.NoError(t, err)
	assert.Len(t, parseErrs, 1)
	assert.Len(t, rows, 8)

	result, err := classification.Import(db, f.project.Id, form, rows, true, f.owner)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 8, result.Total)
	// the image annotation holds back c1, the unknown attribute holds back c2
	assert.Len(t, result.Errors, 2)
	assert.Equal(t, schema.ClassificationRejected, f.classificationOf(t, db, f.resources[0].Id).Status)

	imported := f.classificationOf(t, db, f.resources[2].Id)
	assert.Equal(t, schema.ClassificationApproved, imported.Status)

	rows, _, err = classification.ParseImportCSV(strings.NewReader(strings.Join([]string{
		"classification_id,attribute,row,value",
		c1.Id.String() + ",count,0,2",
		c1.Id.String() + ",count,1,1",
	}, "\n")))
	require.NoError(t, err)
	result, err = classification.Import(db, f.project.Id, form, rows, true, f.owner)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Empty(t, result.Errors)

	exported, err := classification.Export(db, f.project.Id, form, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "count", "annotations"}, exported.Header[len(exported.Header)-3:])
	// two rows for c1, one for the video
	assert.Len(t, exported.Rows, 3)

	all, err := classification.Export(db, f.project.Id, form, true)
	require.NoError(t, err)
	assert.Len(t, all.Rows, 5)

	var buf bytes.Buffer
	require.NoError(t, exported.WriteCSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "classification_id,status"))
	assert.Contains(t, buf.String(), "D1-L1")
}

func importTable(t *testing.T, db *gorm.DB, f fixture, form classify.Form, lines ...string) classification.ImportResult {
	rows, parseErrs, err := classification.ParseImportCSV(strings.NewReader(strings.Join(append([]string{"classification_id,attribute,row,value"}, lines...), "\n")))
	require.NoError(t, err)
	require.Empty(t, parseErrs)
	result, err := classification.Import(db, f.project.Id, form, rows, true, f.owner)
	require.NoError(t, err)
	return result
}

func TestImportRejectsRowsThatSkipIndexes(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	form := newForm(t, db)

	c1 := f.classificationOf(t, db, f.resources[0].Id)
	c2 := f.classificationOf(t, db, f.resources[1].Id)

	result := importTable(t, db, f, form,
		c1.Id.String()+",count,5,1",
		c2.Id.String()+",count,20000,1",
	)
	assert.Equal(t, 0, result.Imported)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Message, classification.ErrRowOutOfRange.Error())

	for _, res := range f.resources[:2] {
		c := f.classificationOf(t, db, res.Id)
		assert.Equal(t, schema.ClassificationRejected, c.Status)
		assert.Empty(t, c.DynamicAttrs)
	}

	// rows listed out of order are fine as long as none is skipped
	result = importTable(t, db, f, form,
		c1.Id.String()+",count,1,4",
		c1.Id.String()+",count,0,2",
	)
	assert.Equal(t, 2, result.Imported)
	assert.Empty(t, result.Errors)
	assert.Len(t, f.classificationOf(t, db, f.resources[0].Id).DynamicAttrs, 2)
}

func TestImportValidatesRequiredValues(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	form := newForm(t, db)

	video := f.classificationOf(t, db, f.resources[2].Id)

	// the second row has no count, which is required
	result := importTable(t, db, f, form,
		video.Id.String()+",count,0,2",
		video.Id.String()+",annotations,1,00:00:01-00:00:02",
	)
	assert.Equal(t, 0, result.Imported)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Message, "1.count")

	c := f.classificationOf(t, db, f.resources[2].Id)
	assert.Equal(t, schema.ClassificationRejected, c.Status)
	assert.Empty(t, c.DynamicAttrs)
}

func TestImportManyRows(t *testing.T) {
	db := setupDb(t)
	f := newFixture(t, db)
	form := newForm(t, db)

	c := f.classificationOf(t, db, f.resources[0].Id)
	lines := make([]string, 0, 9000)
	for i := 0; i < 9000; i++ {
		lines = append(lines, fmt.Sprintf("%v,count,%d,%d", c.Id, i, i+1))
	}

	result := importTable(t, db, f, form, lines...)
	assert.Equal(t, 9000, result.Imported)
	assert.Empty(t, result.Errors)

	var count int64
	require.NoError(t, db.Model(&schema.ClassificationDynamicAttrs{}).Where("classification_id = ?", c.Id).Count(&count).Error)
	assert.Equal(t, int64(9000), count)
}
