package classify_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

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

func newClassificator(t *testing.T) *schema.Classificator {
	c := &schema.Classificator{Id: uuid.New(), Name: "Mammals", Template: schema.TemplateInline}
	require.NoError(t, classify.SetCustomAttr(c, "count", schema.CustomAttribute{FieldType: schema.FieldInt, Target: schema.TargetDynamic, Required: true}))
	require.NoError(t, classify.SetCustomAttr(c, "age", schema.CustomAttribute{FieldType: schema.FieldString, Target: schema.TargetDynamic, Values: []string{"adult", "juvenile"}}))
	require.NoError(t, classify.SetCustomAttr(c, "empty", schema.CustomAttribute{FieldType: schema.FieldBool, Target: schema.TargetStatic}))
	require.NoError(t, classify.SetPredefinedAttrs(c, map[string]schema.PredefinedAttribute{
		schema.AttrAnnotations: {Target: schema.TargetDynamic},
		schema.AttrComments:    {Target: schema.TargetStatic},
	}))
	return c
}

func TestAuthoringKeepsOrdersConsistent(t *testing.T) {
	c := newClassificator(t)

	assert.Equal(t, []string{"empty", "comments"}, []string(c.StaticAttrsOrder))
	assert.Equal(t, []string{"count", "age", "annotations"}, []string(c.DynamicAttrsOrder))
	assert.Equal(t, []string{"false", "true"}, c.Custom()["empty"].Values)

	require.NoError(t, classify.SetCustomAttr(c, "age", schema.CustomAttribute{FieldType: schema.FieldString, Target: schema.TargetStatic}))
	assert.Equal(t, []string{"empty", "comments", "age"}, []string(c.StaticAttrsOrder))
	assert.Equal(t, []string{"count", "annotations"}, []string(c.DynamicAttrsOrder))

	require.NoError(t, classify.RemoveCustomAttr(c, "age"))
	assert.Equal(t, []string{"empty", "comments"}, []string(c.StaticAttrsOrder))
	assert.ErrorIs(t, classify.RemoveCustomAttr(c, "age"), classify.ErrUnknownAttribute)

	require.NoError(t, classify.SetPredefinedAttrs(c, map[string]schema.PredefinedAttribute{}))
	assert.Equal(t, []string{"empty"}, []string(c.StaticAttrsOrder))
	assert.Equal(t, []string{"count"}, []string(c.DynamicAttrsOrder))

	assert.ErrorIs(t, classify.SetCustomAttr(c, "species", schema.CustomAttribute{FieldType: schema.FieldString, Target: schema.TargetStatic}), classify.ErrInvalidAttribute)
	assert.ErrorIs(t, classify.SetCustomAttr(c, "n", schema.CustomAttribute{FieldType: schema.FieldInt, Target: schema.TargetStatic, Values: []string{"x"}}), classify.ErrInvalidAttribute)
	assert.ErrorIs(t, classify.Reorder(c, []string{"count"}, []string{"empty"}), classify.ErrInvalidAttribute)
}

func TestCompileForm(t *testing.T) {
	db := setupDb(t)
	require.NoError(t, db.Create(&schema.Species{Id: uuid.New(), EnglishName: "Roe deer", LatinName: "Capreolus capreolus"}).Error)

	c := newClassificator(t)
	require.NoError(t, classify.SetPredefinedAttrs(c, map[string]schema.PredefinedAttribute{
		schema.AttrSpecies:     {Target: schema.TargetDynamic, Required: true},
		schema.AttrAnnotations: {Target: schema.TargetDynamic},
		schema.AttrComments:    {Target: schema.TargetStatic},
	}))

	form, err := classify.Compile(db, c)
	require.NoError(t, err)

	inputs := map[string]string{}
	for _, f := range append(form.Static, form.Dynamic...) {
		inputs[f.Name] = f.Input
	}
	assert.Equal(t, map[string]string{
		"empty":       classify.InputCheckbox,
		"comments":    classify.InputTextarea,
		"count":       classify.InputNumber,
		"age":         classify.InputSelect,
		"annotations": classify.InputTimeRange,
		"species":     classify.InputSpecies,
	}, inputs)

	species, ok := form.Field("species")
	require.True(t, ok)
	assert.Equal(t, []classify.Choice{{Value: "Capreolus capreolus", Label: "Roe deer (Capreolus capreolus)"}}, species.Choices)
	assert.Equal(t, "count", form.Dynamic[0].Name)
}

func TestValidateValues(t *testing.T) {
	db := setupDb(t)
	form, err := classify.Compile(db, newClassificator(t))
	require.NoError(t, err)

	static, dynamic, err := form.Validate(
		map[string]interface{}{"empty": false, "comments": "two deer"},
		[]map[string]interface{}{
			{"count": float64(2), "age": "adult", "annotations": "00:00:01-00:00:04"},
			{"count": "1"},
		},
		schema.VideoResource,
	)
	require.NoError(t, err)
	assert.Equal(t, schema.BoolValue(false), static["empty"])
	require.Len(t, dynamic, 2)
	assert.Equal(t, schema.IntValue(2), dynamic[0]["count"])
	assert.Equal(t, schema.StringValue("00:00:01-00:00:04"), dynamic[0]["annotations"])
	assert.Equal(t, schema.IntValue(1), dynamic[1]["count"])

	_, _, err = form.Validate(
		map[string]interface{}{"colour": "red"},
		[]map[string]interface{}{
			{"age": "old", "annotations": "00:00:05-00:00:01"},
		},
		schema.VideoResource,
	)
	var verr *classify.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, err, classify.ErrValidation)
	assert.Contains(t, verr.Fields, "colour")
	assert.Contains(t, verr.Fields, "0.count")
	assert.Contains(t, verr.Fields, "0.age")
	assert.Contains(t, verr.Fields, "0.annotations")

	_, _, err = form.Validate(nil, []map[string]interface{}{{"count": 1, "annotations": "00:00:01-00:00:02"}}, schema.ImageResource)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, map[string]string{"0.annotations": "only available for video resources"}, verr.Fields)
}

func TestCloneNamesCopies(t *testing.T) {
	db := setupDb(t)
	owner := schema.User{Id: uuid.New(), Username: "owner", Email: "owner@mail.com"}
	require.NoError(t, db.Create(&owner).Error)

	c := newClassificator(t)
	c.OwnerId = owner.Id
	require.NoError(t, db.Create(c).Error)

	first, err := classify.Clone(db, c, owner.Id)
	require.NoError(t, err)
	assert.Equal(t, "[copy 1] Mammals", first.Name)
	assert.Equal(t, c.Custom(), first.Custom())
	assert.Equal(t, c.StaticAttrsOrder, first.StaticAttrsOrder)
	require.NotNil(t, first.CopyOfId)
	assert.Equal(t, c.Id, *first.CopyOfId)

	second, err := classify.Clone(db, c, owner.Id)
	require.NoError(t, err)
	assert.Equal(t, "[copy 2] Mammals", second.Name)
}

func TestFormCacheInvalidation(t *testing.T) {
	db := setupDb(t)
	cache := classify.NewFormCache(time.Minute)
	c := newClassificator(t)

	form, err := cache.Get(db, c)
	require.NoError(t, err)
	assert.Len(t, form.Dynamic, 3)

	require.NoError(t, classify.RemoveCustomAttr(c, "age"))
	form, err = cache.Get(db, c)
	require.NoError(t, err)
	assert.Len(t, form.Dynamic, 3)

	cache.Invalidate(c.Id)
	form, err = cache.Get(db, c)
	require.NoError(t, err)
	assert.Len(t, form.Dynamic, 2)
}

func TestImportSpecies(t *testing.T) {
	db := setupDb(t)

	csv := "latin_name,english_name,genus,family\n" +
		"Canis lupus,Wolf,Canis,Canidae\n" +
		",Nameless,,\n" +
		"Lynx lynx,Eurasian lynx,Lynx,Felidae\n"

	result, err := classify.ImportSpecies(db, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Updated)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "line 3")

	result, err = classify.ImportSpecies(db, strings.NewReader("latin_name,english_name\nCanis lupus,Grey wolf\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Updated)

	var wolf schema.Species
	require.NoError(t, db.First(&wolf, "latin_name = ?", "Canis lupus").Error)
	assert.Equal(t, "Grey wolf", wolf.EnglishName)

	var count int64
	require.NoError(t, db.Model(&schema.Species{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	_, err = classify.ImportSpecies(db, strings.NewReader("name\nwolf\n"))
	assert.ErrorIs(t, err, utils.ErrInvalidTable)
}

func TestSearchSpecies(t *testing.T) {
	db := setupDb(t)

	csv := "latin_name,english_name,genus,family\n" +
		"Canis lupus,Grey wolf,Canis,Canidae\n" +
		"Canis aureus,Golden jackal,Canis,Canidae\n" +
		"Vulpes vulpes,Red fox,Vulpes,Canidae\n" +
		"Lynx lynx,Eurasian lynx,Lynx,Felidae\n"
	_, err := classify.ImportSpecies(db, strings.NewReader(csv))
	require.NoError(t, err)

	latinNames := func(q classify.SpeciesQuery) []string {
		species, err := classify.SearchSpecies(db, q)
		require.NoError(t, err)
		names := make([]string, 0, len(species))
		for _, s := range species {
			names = append(names, s.LatinName)
		}
		return names
	}

	assert.Equal(t, []string{"Canis lupus"}, latinNames(classify.SpeciesQuery{Search: "WOLF"}))
	assert.Equal(t, []string{"Lynx lynx"}, latinNames(classify.SpeciesQuery{Search: "lynx l"}))
	assert.Equal(t, []string{"Canis aureus", "Canis lupus", "Vulpes vulpes"}, latinNames(classify.SpeciesQuery{Family: "Canidae"}))
	assert.Equal(t, []string{"Canis aureus", "Canis lupus"}, latinNames(classify.SpeciesQuery{Family: "Canidae", Genus: "Canis"}))
	assert.Equal(t, []string{"Vulpes vulpes"}, latinNames(classify.SpeciesQuery{Search: "fox", Family: "Canidae"}))
	assert.Empty(t, latinNames(classify.SpeciesQuery{Search: "fox", Family: "Felidae"}))
	assert.Len(t, latinNames(classify.SpeciesQuery{Limit: 2}), 2)

	var wolf schema.Species
	require.NoError(t, db.First(&wolf, "latin_name = ?", "Canis lupus").Error)
	choice := classify.SpeciesChoice(wolf)
	assert.Equal(t, classify.Choice{Value: "Canis lupus", Label: "Grey wolf (Canis lupus)", Family: "Canidae", Genus: "Canis"}, choice)
}
