package bundle

// Registry maps bundle names to their Info records.
type Registry struct {
	infos map[Name]*Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[Name]*Info)}
}

// Get returns the record for name.
func (r *Registry) Get(name Name) (*Info, bool) {
	info, ok := r.infos[name]
	return info, ok
}

// MustGet returns the record for name and panics if it is missing.
func (r *Registry) MustGet(name Name) *Info {
	info, ok := r.infos[name]
	if !ok {
		panic("bundle " + string(name) + ": not in registry")
	}
	return info
}

// GetOrCreate returns the existing record or adds a new NotInstalled one.
func (r *Registry) GetOrCreate(name Name) (*Info, bool) {
	if info, ok := r.infos[name]; ok {
		return info, false
	}
	info := NewInfo(name)
	r.infos[name] = info
	return info, true
}

// Remove deletes the record for name.
func (r *Registry) Remove(name Name) {
	delete(r.infos, name)
}

// Has reports whether name is known.
func (r *Registry) Has(name Name) bool {
	_, ok := r.infos[name]
	return ok
}

// Len returns the number of known bundles.
func (r *Registry) Len() int {
	return len(r.infos)
}

// Names returns all known names in ascending order.
func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(r.infos))
	for n := range r.infos {
		out = append(out, n)
	}
	return SortNames(out)
}
