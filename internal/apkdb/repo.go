package apkdb

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// RepoLocal is the fixed repository id for the local cache (§4.5: "Repository
// 0 is always the local cache").
const RepoLocal = 0

// RepoCacheInstalled is the pseudo-repo id used for non-repository installed
// packages loaded from the cache index at open time (§4.12 step 11).
const RepoCacheInstalled = -2

// Repository is one package source: a repository URL plus its derived
// cache-naming digest, optional description, and tag (§4.5, §6.3).
type Repository struct {
	ID          int
	URL         string
	Digest      [4]byte // first 4 bytes of SHA-1(URL), for cache naming (§6.2)
	Description string
	Tag         int // 0 is the default (untagged) tag, §6.3
	Local       bool

	StaleIndex     bool
	Unavailable    bool
	IndexLoadedAt  int64
}

// repoDigest computes the cache-naming digest for a repository URL (§4.5,
// §6.2): the first 4 bytes of the URL's SHA-1 hash. SHA-1 is pinned by the
// on-disk cache filename format itself, not a general-purpose hash choice.
func repoDigest(url string) [4]byte {
	sum := sha1.Sum([]byte(url))
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// RepoTagEntry is one named tag, e.g. "@testing" (§6.3).
type RepoTagEntry struct {
	ID   int
	Name string
}

// RepoSet is the open database's collection of configured repositories
// plus the tag table referenced by repository and by-name package lookups.
type RepoSet struct {
	repos []*Repository
	tags  []RepoTagEntry // index 0 is always the default untagged entry
}

// NewRepoSet constructs a RepoSet seeded with repository 0, the local cache.
func NewRepoSet() *RepoSet {
	rs := &RepoSet{tags: []RepoTagEntry{{ID: 0, Name: ""}}}
	rs.repos = append(rs.repos, &Repository{ID: RepoLocal, URL: "", Local: true})
	return rs
}

// All returns every configured repository, including the local cache.
func (rs *RepoSet) All() []*Repository { return rs.repos }

// Get returns the repository with the given id.
func (rs *RepoSet) Get(id int) (*Repository, bool) {
	for _, r := range rs.repos {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Add registers a new repository parsed from one line of
// etc/apk/repositories or etc/apk/repositories.d/*.list (§6.1):
// an optional "@tag " prefix, then the URL. Lines starting with "#" are
// comments and must be filtered by the caller before calling Add.
func (rs *RepoSet) Add(line string) (*Repository, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty repository line")
	}

	tagID := 0
	if strings.HasPrefix(line, "@") {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 || fields[1] == "" {
			return nil, fmt.Errorf("malformed tagged repository line %q", line)
		}
		tagID = rs.internTag(fields[0][1:])
		line = strings.TrimSpace(fields[1])
	}

	r := &Repository{
		ID:     len(rs.repos),
		URL:    line,
		Digest: repoDigest(line),
		Tag:    tagID,
		Local:  strings.HasPrefix(line, "file://") || !strings.Contains(line, "://"),
	}
	rs.repos = append(rs.repos, r)
	return r, nil
}

func (rs *RepoSet) internTag(name string) int {
	for _, t := range rs.tags {
		if t.Name == name {
			return t.ID
		}
	}
	id := len(rs.tags)
	rs.tags = append(rs.tags, RepoTagEntry{ID: id, Name: name})
	return id
}

// TagByName returns the tag id for name, or false if never registered.
func (rs *RepoSet) TagByName(name string) (int, bool) {
	for _, t := range rs.tags {
		if t.Name == name {
			return t.ID, true
		}
	}
	return 0, false
}

// ParseTaggedName splits "name@tag" into its name and tag id (§6.3). If no
// "@tag" suffix is present, or the tag is unknown, tag is 0 (untagged).
func (rs *RepoSet) ParseTaggedName(spec string) (name string, tag int) {
	idx := strings.IndexByte(spec, '@')
	if idx < 0 {
		return spec, 0
	}
	name = spec[:idx]
	if id, ok := rs.TagByName(spec[idx+1:]); ok {
		tag = id
	}
	return name, tag
}

// CachePackageName renders the canonical cache filename for a package
// (§6.2): "{name}-{version}.{first-8-hex-of-digest}.apk".
func CachePackageName(pkg *Package) string {
	return fmt.Sprintf("%s-%s.%s.apk", pkg.Name.Name, pkg.Version.String(), firstHex8(pkg.Digest))
}

// CacheIndexName renders the canonical cache filename for a repository's
// index (§6.2): "APKINDEX.{first-8-hex-of-repo-url-sha1}.tar.gz".
func CacheIndexName(repo *Repository) string {
	return fmt.Sprintf("APKINDEX.%s.tar.gz", hex.EncodeToString(repo.Digest[:]))
}

// firstHex8 returns the first 8 hex characters of a hex digest string,
// padding with zeros if the digest is shorter (defensive: a malformed or
// legacy truncated digest must still produce a stable filename).
func firstHex8(digest string) string {
	if len(digest) >= 8 {
		return digest[:8]
	}
	return digest + strings.Repeat("0", 8-len(digest))
}

// SelectInstallRepo picks the repository to fetch a package from among the
// ids set in both pkgRepos and available, preferring a local repository
// when any matches (§4.6 step 1). Returns false if none matches.
func SelectInstallRepo(rs *RepoSet, pkgRepos uint32, available uint32) (*Repository, bool) {
	candidates := pkgRepos & available
	if candidates == 0 {
		return nil, false
	}

	var best *Repository
	for _, r := range rs.repos {
		if r.ID < 0 || r.ID >= 32 {
			continue
		}
		if candidates&(1<<uint(r.ID)) == 0 {
			continue
		}
		if r.Local {
			return r, true
		}
		if best == nil {
			best = r
		}
	}
	return best, best != nil
}

// parseRepoLine is a small helper so repositories.d/*.list and
// repositories files share one line-classification rule.
func parseRepoLine(line string) (content string, isComment bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", true
	}
	return trimmed, false
}

// parseRepoBitmask renders repo id n as its bit for Package.Repos.
func parseRepoBitmask(id int) uint32 {
	if id < 0 || id >= 32 {
		return 0
	}
	return 1 << uint(id)
}
