package classify

import (
	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Input kinds of compiled form fields.
const (
	InputCheckbox  = "checkbox"
	InputSelect    = "select"
	InputNumber    = "number"
	InputText      = "text"
	InputTextarea  = "textarea"
	InputSpecies   = "species"
	InputTimeRange = "time_range"
)

type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
	// species only
	Family string `json:"family,omitempty"`
	Genus  string `json:"genus,omitempty"`
}

type Field struct {
	Name        string          `json:"name"`
	Input       string          `json:"input"`
	Kind        schema.AttrKind `json:"kind"`
	Required    bool            `json:"required"`
	Choices     []Choice        `json:"choices,omitempty"`
	Initial     string          `json:"initial,omitempty"`
	Description string          `json:"description,omitempty"`
	VideoOnly   bool            `json:"video_only,omitempty"`
}

// Form is the compiled input definition of a classificator: static fields are filled once
// per resource, dynamic fields once per row of a repeating group.
type Form struct {
	ClassificatorId uuid.UUID `json:"classificator_id"`
	Template        string    `json:"template"`
	Static          []Field   `json:"static"`
	Dynamic         []Field   `json:"dynamic"`
}

func (f Form) Field(name string) (Field, bool) {
	for _, fields := range [][]Field{f.Static, f.Dynamic} {
		for _, field := range fields {
			if field.Name == name {
				return field, true
			}
		}
	}
	return Field{}, false
}

var fieldKinds = map[string]schema.AttrKind{
	schema.FieldBool:   schema.KindBool,
	schema.FieldInt:    schema.KindInt,
	schema.FieldFloat:  schema.KindFloat,
	schema.FieldString: schema.KindString,
}

func customField(name string, attr schema.CustomAttribute) Field {
	field := Field{
		Name:        name,
		Kind:        fieldKinds[attr.FieldType],
		Required:    attr.Required,
		Initial:     attr.Initial,
		Description: attr.Description,
	}
	switch {
	case attr.FieldType == schema.FieldBool:
		field.Input = InputCheckbox
	case len(attr.Values) > 0:
		field.Input = InputSelect
		for _, v := range attr.Values {
			field.Choices = append(field.Choices, Choice{Value: v, Label: v})
		}
	case attr.FieldType == schema.FieldInt || attr.FieldType == schema.FieldFloat:
		field.Input = InputNumber
	default:
		field.Input = InputText
	}
	return field
}

func speciesChoices(txn *gorm.DB, selected []string) ([]Choice, error) {
	species, err := SearchSpecies(txn, SpeciesQuery{Ids: selected})
	if err != nil {
		return nil, err
	}
	return lo.Map(species, func(s schema.Species, _ int) Choice { return SpeciesChoice(s) }), nil
}

func predefinedField(txn *gorm.DB, name string, attr schema.PredefinedAttribute) (Field, error) {
	field := Field{Name: name, Kind: schema.KindString, Required: attr.Required}
	switch name {
	case schema.AttrSpecies:
		choices, err := speciesChoices(txn, attr.Selected)
		if err != nil {
			return field, err
		}
		field.Input = InputSpecies
		field.Choices = choices
	case schema.AttrAnnotations:
		field.Input = InputTimeRange
		field.VideoOnly = true
	case schema.AttrComments:
		field.Input = InputTextarea
	}
	return field, nil
}

// Compile builds the form of a classificator with fields in the declared attribute order.
func Compile(txn *gorm.DB, c *schema.Classificator) (Form, error) {
	fields := map[string]Field{}
	for name, attr := range c.Predefined() {
		field, err := predefinedField(txn, name, attr)
		if err != nil {
			return Form{}, err
		}
		fields[name] = field
	}
	for name, attr := range c.Custom() {
		fields[name] = customField(name, attr)
	}

	form := Form{ClassificatorId: c.Id, Template: c.Template, Static: []Field{}, Dynamic: []Field{}}
	for _, name := range c.StaticAttrsOrder {
		if field, ok := fields[name]; ok {
			form.Static = append(form.Static, field)
		}
	}
	for _, name := range c.DynamicAttrsOrder {
		if field, ok := fields[name]; ok {
			form.Dynamic = append(form.Dynamic, field)
		}
	}
	return form, nil
}
