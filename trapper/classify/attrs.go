package classify

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"trapper_platform/trapper/schema"

	"github.com/samber/lo"
)

var (
	ErrInvalidAttribute = errors.New("invalid attribute definition")
	ErrUnknownAttribute = errors.New("unknown attribute")
)

func invalidAttr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidAttribute, fmt.Sprintf(format, args...))
}

func checkChoice(fieldType, value string) error {
	switch fieldType {
	case schema.FieldInt:
		_, err := strconv.ParseInt(value, 10, 64)
		return err
	case schema.FieldFloat:
		_, err := strconv.ParseFloat(value, 64)
		return err
	case schema.FieldBool:
		_, err := strconv.ParseBool(value)
		return err
	}
	return nil
}

// SetCustomAttr adds or replaces a custom attribute and moves it to the end of the order
// of its target when it is new there.
func SetCustomAttr(c *schema.Classificator, name string, attr schema.CustomAttribute) error {
	if name == "" {
		return invalidAttr("attribute name is required")
	}
	if schema.IsPredefinedAttr(name) {
		return invalidAttr("%v is a predefined attribute name", name)
	}
	if err := schema.CheckValidFieldType(attr.FieldType); err != nil {
		return invalidAttr("%v", err)
	}
	if err := schema.CheckValidTarget(attr.Target); err != nil {
		return invalidAttr("%v", err)
	}

	if attr.FieldType == schema.FieldBool {
		attr.Values = []string{"false", "true"}
	}
	for _, v := range attr.Values {
		if err := checkChoice(attr.FieldType, v); err != nil {
			return invalidAttr("value %q does not match field type %v", v, attr.FieldType)
		}
	}
	if attr.Initial != "" {
		if err := checkChoice(attr.FieldType, attr.Initial); err != nil {
			return invalidAttr("initial value %q does not match field type %v", attr.Initial, attr.FieldType)
		}
		if len(attr.Values) > 0 && !slices.Contains(attr.Values, attr.Initial) {
			return invalidAttr("initial value %q is not one of the choices", attr.Initial)
		}
	}

	custom := c.Custom()
	custom[name] = attr
	c.CustomAttrs = jsonType(custom)
	placeInOrder(c, name, attr.Target)
	return nil
}

func RemoveCustomAttr(c *schema.Classificator, name string) error {
	custom := c.Custom()
	if _, ok := custom[name]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownAttribute, name)
	}
	delete(custom, name)
	c.CustomAttrs = jsonType(custom)
	c.StaticAttrsOrder = lo.Without(c.StaticAttrsOrder, name)
	c.DynamicAttrsOrder = lo.Without(c.DynamicAttrsOrder, name)
	return nil
}

// SetPredefinedAttrs replaces the set of enabled predefined attributes.
func SetPredefinedAttrs(c *schema.Classificator, attrs map[string]schema.PredefinedAttribute) error {
	for name, attr := range attrs {
		if !schema.IsPredefinedAttr(name) {
			return fmt.Errorf("%w: %v is not a predefined attribute", ErrUnknownAttribute, name)
		}
		if err := schema.CheckValidTarget(attr.Target); err != nil {
			return invalidAttr("%v", err)
		}
		if name != schema.AttrSpecies && len(attr.Selected) > 0 {
			return invalidAttr("only species can restrict its selection")
		}
	}

	c.PredefinedAttrs = jsonType(attrs)
	for name, attr := range attrs {
		placeInOrder(c, name, attr.Target)
	}
	UpdateAttrsOrder(c)
	return nil
}

func placeInOrder(c *schema.Classificator, name, target string) {
	static, dynamic := []string(c.StaticAttrsOrder), []string(c.DynamicAttrsOrder)
	if target == schema.TargetStatic {
		if !slices.Contains(static, name) {
			static = append(static, name)
		}
		dynamic = lo.Without(dynamic, name)
	} else {
		if !slices.Contains(dynamic, name) {
			dynamic = append(dynamic, name)
		}
		static = lo.Without(static, name)
	}
	c.StaticAttrsOrder, c.DynamicAttrsOrder = static, dynamic
}

// targets splits every attribute of the classificator by target, in map order.
func targets(c *schema.Classificator) (static, dynamic []string) {
	for name, attr := range c.Predefined() {
		if attr.Target == schema.TargetStatic {
			static = append(static, name)
		} else {
			dynamic = append(dynamic, name)
		}
	}
	for name, attr := range c.Custom() {
		if attr.Target == schema.TargetStatic {
			static = append(static, name)
		} else {
			dynamic = append(dynamic, name)
		}
	}
	slices.Sort(static)
	slices.Sort(dynamic)
	return static, dynamic
}

func reconcile(order, names []string) []string {
	kept := lo.Filter(lo.Uniq(order), func(n string, _ int) bool { return slices.Contains(names, n) })
	for _, n := range names {
		if !slices.Contains(kept, n) {
			kept = append(kept, n)
		}
	}
	return kept
}

// UpdateAttrsOrder makes both orders list exactly the attributes of their target, keeping
// the existing relative order and appending new names.
func UpdateAttrsOrder(c *schema.Classificator) {
	static, dynamic := targets(c)
	c.StaticAttrsOrder = reconcile(c.StaticAttrsOrder, static)
	c.DynamicAttrsOrder = reconcile(c.DynamicAttrsOrder, dynamic)
}

// Reorder applies a user supplied order, which must be a permutation of each target's attributes.
func Reorder(c *schema.Classificator, static, dynamic []string) error {
	wantStatic, wantDynamic := targets(c)
	if !lo.ElementsMatch(static, wantStatic) {
		return invalidAttr("static order must list exactly %v", wantStatic)
	}
	if !lo.ElementsMatch(dynamic, wantDynamic) {
		return invalidAttr("dynamic order must list exactly %v", wantDynamic)
	}
	c.StaticAttrsOrder, c.DynamicAttrsOrder = static, dynamic
	return nil
}

// CloneName names the n-th copy of a classificator.
func CloneName(name string, existingCopies int) string {
	return fmt.Sprintf("[copy %d] %s", existingCopies+1, name)
}
