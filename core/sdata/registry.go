package sdata

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const defaultRegistrySize = 1024

// Registry maps Go types to serializers. Serializers derived through
// reflection are built once per type and kept in a 2Q cache; serializers
// registered by hand are never evicted.
type Registry struct {
	mu     sync.RWMutex
	custom map[reflect.Type]Serializer
	cache  *lru.TwoQueueCache[reflect.Type, Serializer]
}

// DefaultRegistry is used when no registry is configured.
var DefaultRegistry = NewRegistry()

// NewRegistry returns a registry with the built-in BSON types registered.
func NewRegistry() *Registry {
	// New2Q only fails on a non-positive size
	cache, _ := lru.New2Q[reflect.Type, Serializer](defaultRegistrySize)

	r := &Registry{
		custom: make(map[reflect.Type]Serializer),
		cache:  cache,
	}

	for _, v := range []any{
		time.Time{},
		bson.ObjectID{},
		bson.DateTime(0),
		bson.Decimal128{},
		bson.Binary{},
		bson.Regex{},
		bson.Timestamp{},
		[]byte(nil),
	} {
		t := reflect.TypeOf(v)
		r.custom[t] = valueSerializer{t: t}
	}

	for _, v := range []any{bson.M{}, bson.D{}, bson.Raw(nil), map[string]any{}} {
		t := reflect.TypeOf(v)
		r.custom[t] = dynamicSerializer{t: t}
	}
	return r
}

// Register installs a serializer for t, replacing any derived one.
func (r *Registry) Register(t reflect.Type, s Serializer) {
	r.mu.Lock()
	r.custom[t] = s
	r.mu.Unlock()
	r.cache.Remove(t)
}

// Lookup returns the serializer for t.
func (r *Registry) Lookup(t reflect.Type) (Serializer, error) {
	if t == nil {
		return valueSerializer{t: anyType}, nil
	}

	r.mu.RLock()
	s, ok := r.custom[t]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if s, ok := r.cache.Get(t); ok {
		return s, nil
	}

	s, err := r.build(t)
	if err != nil {
		return nil, err
	}
	r.cache.Add(t, s)
	return s, nil
}

func (r *Registry) build(t reflect.Type) (Serializer, error) {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Interface:
		return valueSerializer{t: t}, nil

	case reflect.Pointer:
		elem, err := r.Lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		return pointerSerializer{t: t, elem: elem}, nil

	case reflect.Slice, reflect.Array:
		elem, err := r.Lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		return arraySerializer{t: t, elem: elem}, nil

	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("no serializer for %s: map keys must be strings", t)
		}
		et := t.Elem()
		if et.Kind() == reflect.Interface {
			return mapSerializer{t: t, elem: dynamicSerializer{t: et}}, nil
		}
		elem, err := r.Lookup(et)
		if err != nil {
			return nil, err
		}
		return mapSerializer{t: t, elem: elem}, nil

	case reflect.Struct:
		return newStructSerializer(t, r), nil
	}

	return nil, fmt.Errorf("no serializer for %s", t)
}
