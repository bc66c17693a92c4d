package apkdb

// Priority values for Name.Priority (§3).
const (
	PrioritySolePackage = 0 // sole real package provides this name
	PriorityMixed       = 1 // mixed real + virtual providers
	PriorityVirtualOnly = 2 // only virtual providers
)

// Provider is a (package, provided-name, optional-version) record.
type Provider struct {
	Pkg     *Package
	Version Atom // zero Atom if the provider carries no version
}

// Name is a unique package name: a hash-table bucket on the package name
// string, holding its providers and reverse-dependency indices.
type Name struct {
	Name         string
	Providers    []Provider
	RDepends     []*Name // reverse dependencies: names that depend on this one
	RInstallIf   []*Name // reverse install_if: names whose install_if references this one
	IsDependency bool
	Priority     int

	touched bool // scratch bit used by recomputeRDepends's per-name touched-list
}

// NameRegistry is the hash table of Names keyed by name string (§4.2).
type NameRegistry struct {
	byName map[string]*Name
}

// NewNameRegistry constructs an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{byName: make(map[string]*Name)}
}

// GetName looks up a Name by string, constructing and inserting a new one
// on miss (§4.2 "On lookup miss in get_name, a new Name is constructed").
func (r *NameRegistry) GetName(name string) *Name {
	if n, ok := r.byName[name]; ok {
		return n
	}
	n := &Name{Name: name}
	r.byName[name] = n
	return n
}

// Lookup returns the Name for a string without creating one.
func (r *NameRegistry) Lookup(name string) (*Name, bool) {
	n, ok := r.byName[name]
	return n, ok
}

// All returns every Name currently registered, in no particular order.
func (r *NameRegistry) All() []*Name {
	out := make([]*Name, 0, len(r.byName))
	for _, n := range r.byName {
		out = append(out, n)
	}
	return out
}

// AddProvider inserts a provider record for pkg under name's registry entry,
// keeping Providers sorted by package digest for deterministic iteration,
// then recomputes Priority.
func (r *NameRegistry) AddProvider(name string, p Provider) {
	n := r.GetName(name)
	n.Providers = append(n.Providers, p)
	sortProviders(n.Providers)
	n.recomputePriority()
}

func sortProviders(ps []Provider) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && providerLess(ps[j], ps[j-1]); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

func providerLess(a, b Provider) bool {
	if a.Pkg == nil || b.Pkg == nil {
		return a.Pkg != nil
	}
	return a.Pkg.Digest < b.Pkg.Digest
}

// recomputePriority derives Priority from the provider composition (§3):
// 0 = sole real (non-virtual) package, 1 = mixed, 2 = only virtual providers.
func (n *Name) recomputePriority() {
	realCount := 0
	virtualCount := 0
	for _, p := range n.Providers {
		if p.Pkg == nil {
			continue
		}
		if p.Pkg.Name == n {
			realCount++
		} else {
			virtualCount++
		}
	}
	switch {
	case realCount == 1 && virtualCount == 0:
		n.Priority = PrioritySolePackage
	case realCount == 0 && virtualCount > 0:
		n.Priority = PriorityVirtualOnly
	default:
		n.Priority = PriorityMixed
	}
}

// RecomputeRDepends walks every registered Name and rebuilds the reverse
// dependency/install_if indices from scratch (§4.2): every Name's slices
// are cleared first, then each provider's package name is added to the
// RDepends/RInstallIf of the names it depends on. A touched-list lets the
// final reset of the per-name touched bit visit only the names it set.
func (r *NameRegistry) RecomputeRDepends() {
	touched := make([]*Name, 0, len(r.byName))
	for _, n := range r.byName {
		if len(n.RDepends) > 0 || len(n.RInstallIf) > 0 {
			n.RDepends = nil
			n.RInstallIf = nil
			touched = append(touched, n)
		}
	}

	for _, n := range r.byName {
		for _, p := range n.Providers {
			if p.Pkg == nil {
				continue
			}
			for _, dep := range p.Pkg.Depends {
				depName := r.GetName(dep)
				if !depName.touched {
					depName.touched = true
					touched = append(touched, depName)
				}
				if !containsName(depName.RDepends, p.Pkg.Name) {
					depName.RDepends = append(depName.RDepends, p.Pkg.Name)
				}
			}
			for _, ii := range p.Pkg.InstallIf {
				iiName := r.GetName(ii)
				if !iiName.touched {
					iiName.touched = true
					touched = append(touched, iiName)
				}
				if !containsName(iiName.RInstallIf, p.Pkg.Name) {
					iiName.RInstallIf = append(iiName.RInstallIf, p.Pkg.Name)
				}
			}
		}
	}

	for _, n := range touched {
		n.touched = false
	}
}

func containsName(list []*Name, n *Name) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

// PkgRDepends runs the incremental equivalent of RecomputeRDepends for a
// single newly-added package, used after open_complete is set (§4.2).
func (r *NameRegistry) PkgRDepends(pkg *Package) {
	for _, dep := range pkg.Depends {
		depName := r.GetName(dep)
		if !containsName(depName.RDepends, pkg.Name) {
			depName.RDepends = append(depName.RDepends, pkg.Name)
		}
	}
	for _, ii := range pkg.InstallIf {
		iiName := r.GetName(ii)
		if !containsName(iiName.RInstallIf, pkg.Name) {
			iiName.RInstallIf = append(iiName.RInstallIf, pkg.Name)
		}
	}
}
