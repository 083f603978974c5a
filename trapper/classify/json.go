package classify

import "gorm.io/datatypes"

func jsonType[T any](v T) datatypes.JSONType[T] {
	return datatypes.NewJSONType(v)
}
