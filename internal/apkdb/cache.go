package apkdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache is the package/index cache directory (§4.5, §6.1 var/cache/apk/).
type Cache struct {
	Dir       string
	MaxAge    time.Duration
	Fetcher   *Fetcher
	NoNetwork bool
}

// NewCache opens (but does not create) the cache directory at dir.
func NewCache(dir string, maxAge time.Duration, fetcher *Fetcher, noNetwork bool) *Cache {
	return &Cache{Dir: dir, MaxAge: maxAge, Fetcher: fetcher, NoNetwork: noNetwork}
}

// cacheFilePath joins the cache directory and a cache-relative name.
func (c *Cache) cacheFilePath(name string) string {
	return filepath.Join(c.Dir, name)
}

// fresh reports whether the cache file at name exists and is within MaxAge.
func (c *Cache) fresh(name string) (time.Time, bool) {
	fi, err := os.Stat(c.cacheFilePath(name))
	if err != nil {
		return time.Time{}, false
	}
	if c.MaxAge <= 0 {
		return fi.ModTime(), false
	}
	return fi.ModTime(), time.Since(fi.ModTime()) <= c.MaxAge
}

// DownloadPackage implements cache_download for a package blob (§4.5): skip
// if already fresh unless forceRefresh; otherwise fetch with
// If-Modified-Since set to the cache file's mtime, write the whole response
// into the cache file, and return a reader over the cached copy for the
// verifying extraction pipeline (no goroutines are involved, per §5's
// no-intra-process-parallelism rule).
func (c *Cache) DownloadPackage(ctx context.Context, repo *Repository, pkg *Package, forceRefresh bool) (io.ReadCloser, error) {
	name := CachePackageName(pkg)
	return c.download(ctx, repo, name, repo.URL+"/"+name, forceRefresh)
}

// DownloadIndex implements cache_download for a repository index (§4.5).
func (c *Cache) DownloadIndex(ctx context.Context, repo *Repository, forceRefresh bool) (io.ReadCloser, error) {
	name := CacheIndexName(repo)
	return c.download(ctx, repo, name, repo.URL+"/"+name, forceRefresh)
}

func (c *Cache) download(ctx context.Context, repo *Repository, cacheName, url string, forceRefresh bool) (io.ReadCloser, error) {
	mtime, isFresh := c.fresh(cacheName)
	if isFresh && !forceRefresh {
		return os.Open(c.cacheFilePath(cacheName))
	}
	if c.NoNetwork {
		if mtime.IsZero() {
			return nil, newDBError(ErrCacheNotAvailable, "no cached %s and NO_NETWORK is set", cacheName)
		}
		return os.Open(c.cacheFilePath(cacheName))
	}

	result, err := openLocalOrFetch(ctx, c.Fetcher, url, mtime)
	if err != nil {
		return nil, err
	}
	if result.NotModified {
		now := time.Now()
		if err := os.Chtimes(c.cacheFilePath(cacheName), now, now); err != nil {
			return nil, fmt.Errorf("touching cache mtime for %s: %w", cacheName, err)
		}
		return os.Open(c.cacheFilePath(cacheName))
	}
	defer result.Body.Body.Close()

	return c.teeIntoCache(cacheName, result.Body.Body)
}

// teeIntoCache writes body to a temp file adjacent to the final cache path,
// renaming into place on success, and returns a fresh reader over the
// written content for the caller's extraction pipeline.
func (c *Cache) teeIntoCache(cacheName string, body io.Reader) (io.ReadCloser, error) {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", c.Dir, err)
	}
	finalPath := c.cacheFilePath(cacheName)
	tmp, err := os.CreateTemp(c.Dir, ".tmp-"+filepath.Base(cacheName)+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("writing cache file %s: %w", cacheName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("closing cache file %s: %w", cacheName, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("installing cache file %s: %w", cacheName, err)
	}
	return os.Open(finalPath)
}

// cacheEntry is one file in the cache directory, parsed into its
// package-name/version/digest-prefix components (§4.5 cache_foreach_item).
type cacheEntry struct {
	FileName string
	Name     string
	Version  string
	Digest8  string
}

// parseCacheEntryName splits a "{name}-{version}.{digest8}.apk" cache
// filename. Returns ok=false for names that don't match the pattern
// (index files, stray temp files).
func parseCacheEntryName(fileName string) (cacheEntry, bool) {
	if !strings.HasSuffix(fileName, ".apk") {
		return cacheEntry{}, false
	}
	trimmed := strings.TrimSuffix(fileName, ".apk")
	dot := strings.LastIndexByte(trimmed, '.')
	if dot < 0 {
		return cacheEntry{}, false
	}
	digest8 := trimmed[dot+1:]
	rest := trimmed[:dot]

	dash := strings.LastIndexByte(rest, '-')
	if dash < 0 {
		return cacheEntry{}, false
	}
	return cacheEntry{FileName: fileName, Name: rest[:dash], Version: rest[dash+1:], Digest8: digest8}, true
}

// ForeachItem enumerates cache files, matching each to a known package by
// canonical cache filename and marking the match cached (§4.5
// cache_foreach_item).
func (c *Cache) ForeachItem(pkgs *PackageRegistry) error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache dir %s: %w", c.Dir, err)
	}

	byName := make(map[string]*Package, len(pkgs.All()))
	for _, pkg := range pkgs.All() {
		byName[CachePackageName(pkg)] = pkg
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if pkg, ok := byName[de.Name()]; ok {
			pkg.CachedNonRepository = true
		}
	}
	return nil
}

// GC removes cache package files that match no installed package and no
// configured repository's current index (§4.5 supplement, "cache clean"):
// a natural complement to cache population left implicit by the
// distillation.
func (c *Cache) GC(pkgs *PackageRegistry, repos *RepoSet) (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cache dir %s: %w", c.Dir, err)
	}

	live := make(map[string]bool)
	for _, pkg := range pkgs.All() {
		live[CachePackageName(pkg)] = true
	}
	for _, repo := range repos.All() {
		if repo.ID == RepoLocal {
			continue
		}
		live[CacheIndexName(repo)] = true
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() || live[de.Name()] {
			continue
		}
		if !strings.HasSuffix(de.Name(), ".apk") && !strings.HasPrefix(de.Name(), "APKINDEX.") {
			continue
		}
		if err := os.Remove(c.cacheFilePath(de.Name())); err != nil {
			return removed, fmt.Errorf("removing stale cache file %s: %w", de.Name(), err)
		}
		removed++
	}
	return removed, nil
}
