package classify

import (
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// FormCache memoizes compiled forms by classificator id. Callers invalidate an entry
// whenever they change the classificator.
type FormCache struct {
	forms *cache.Cache
}

func NewFormCache(ttl time.Duration) *FormCache {
	return &FormCache{forms: cache.New(ttl, 2*ttl)}
}

func (c *FormCache) Get(txn *gorm.DB, classificator *schema.Classificator) (Form, error) {
	key := classificator.Id.String()
	if form, ok := c.forms.Get(key); ok {
		return form.(Form), nil
	}
	form, err := Compile(txn, classificator)
	if err != nil {
		return Form{}, err
	}
	c.forms.SetDefault(key, form)
	return form, nil
}

func (c *FormCache) Invalidate(classificatorId uuid.UUID) {
	c.forms.Delete(classificatorId.String())
}

// Flush drops every cached form, used when the species table changes.
func (c *FormCache) Flush() {
	c.forms.Flush()
}
