package scripts

import "sync"

// Property is a single sensor descriptor: identity, display metadata, and a
// live value. Descriptors are created once during schema discovery and owned
// by the host container; only the owning session mutates the value afterward.
type Property struct {
	id   string
	name string

	shortName   string
	prefix      string
	description string

	unit       Unit
	unitPrefix MetricPrefix

	min, max       float64
	hasMin, hasMax bool

	variantType VariantType

	mu    sync.Mutex
	value any
}

// NewProperty creates a descriptor with the given id, display name, and
// initial value. The variant type defaults to TypeString.
func NewProperty(id, name string, initial any) *Property {
	return &Property{id: id, name: name, unit: UnitInvalid, value: initial}
}

func (p *Property) ID() string          { return p.id }
func (p *Property) Name() string        { return p.name }
func (p *Property) ShortName() string   { return p.shortName }
func (p *Property) Prefix() string      { return p.prefix }
func (p *Property) Description() string { return p.description }

func (p *Property) SetShortName(s string)   { p.shortName = s }
func (p *Property) SetPrefix(s string)      { p.prefix = s }
func (p *Property) SetDescription(s string) { p.description = s }

// Unit returns the resolved unit and metric prefix.
func (p *Property) Unit() (MetricPrefix, Unit) { return p.unitPrefix, p.unit }

func (p *Property) SetUnit(prefix MetricPrefix, unit Unit) {
	p.unitPrefix, p.unit = prefix, unit
}

// Bounds returns the declared min/max. ok is false when the script declared
// no bound.
func (p *Property) Min() (v float64, ok bool) { return p.min, p.hasMin }
func (p *Property) Max() (v float64, ok bool) { return p.max, p.hasMax }

func (p *Property) SetMin(v float64) { p.min, p.hasMin = v, true }
func (p *Property) SetMax(v float64) { p.max, p.hasMax = v, true }

func (p *Property) VariantType() VariantType     { return p.variantType }
func (p *Property) SetVariantType(t VariantType) { p.variantType = t }

// Value returns the current value. Safe for concurrent use with SetValue.
func (p *Property) Value() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// SetValue overwrites the current value.
func (p *Property) SetValue(v any) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

// Object groups the sensors of one script under its identity. Every object
// carries a constant "name" property holding the display name, so the host
// can render a title without special-casing.
type Object struct {
	id   string
	name string

	mu    sync.Mutex
	order []*Property
	byID  map[string]*Property
}

// NewObject creates a sensor object and registers its "name" property.
func NewObject(id, name string) *Object {
	o := &Object{id: id, name: name, byID: make(map[string]*Property)}
	n := NewProperty("name", "Name", name)
	n.SetVariantType(TypeString)
	o.AddProperty(n)
	return o
}

func (o *Object) ID() string   { return o.id }
func (o *Object) Name() string { return o.name }

// AddProperty registers a descriptor. A descriptor with a duplicate id
// replaces the previous one in place, keeping its position in display order.
func (o *Object) AddProperty(p *Property) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.byID[p.id]; ok {
		for i, q := range o.order {
			if q == prev {
				o.order[i] = p
				break
			}
		}
		o.byID[p.id] = p
		return
	}
	o.byID[p.id] = p
	o.order = append(o.order, p)
}

// Property returns the descriptor with the given id, or nil.
func (o *Object) Property(id string) *Property {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byID[id]
}

// Properties returns the descriptors in registration order.
func (o *Object) Properties() []*Property {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Property, len(o.order))
	copy(out, o.order)
	return out
}

// Container is the host-facing sensor registry: an ordered set of sensor
// objects keyed by identity. The session engine is its only writer; external
// consumers read it.
type Container struct {
	id   string
	name string

	mu    sync.Mutex
	order []*Object
	byID  map[string]*Object
}

func NewContainer(id, name string) *Container {
	return &Container{id: id, name: name, byID: make(map[string]*Object)}
}

func (c *Container) ID() string   { return c.id }
func (c *Container) Name() string { return c.name }

// AddObject registers a sensor object. Adding an id that already exists
// returns the existing object unchanged — identities are stable across
// script reloads.
func (c *Container) AddObject(o *Object) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byID[o.id]; ok {
		return prev
	}
	c.byID[o.id] = o
	c.order = append(c.order, o)
	return o
}

// Object returns the sensor object with the given id, or nil.
func (c *Container) Object(id string) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

// Objects returns the registered objects in registration order.
func (c *Container) Objects() []*Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Object, len(c.order))
	copy(out, c.order)
	return out
}
