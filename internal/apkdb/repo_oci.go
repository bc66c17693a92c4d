package apkdb

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ociScheme is the prefix that marks a repository URL as OCI-backed, a
// second transport alongside the plain-HTTP fetcher in fetch.go (§4.5's
// Repository abstraction extended to a real registry transport).
const ociScheme = "oci://"

// IsOCIRepository reports whether repo's URL names an OCI registry
// reference rather than a plain-HTTP repository.
func IsOCIRepository(repo *Repository) bool {
	return strings.HasPrefix(repo.URL, ociScheme)
}

// OCIRepository resolves package blobs and the repository index from an
// OCI image whose layers carry apk package files under "packages/".
type OCIRepository struct {
	ref string // parsed registry reference, with the oci:// prefix stripped
	img v1.Image
}

// OpenOCIRepository fetches the manifest and image for repo, failing with
// a REPOSITORY_UNAVAILABLE-kind error if the registry cannot be reached.
func OpenOCIRepository(repo *Repository) (*OCIRepository, error) {
	if !IsOCIRepository(repo) {
		return nil, fmt.Errorf("not an oci:// repository: %s", repo.URL)
	}
	ref := strings.TrimPrefix(repo.URL, ociScheme)

	imgRef, err := name.ParseReference(ref)
	if err != nil {
		return nil, newDBError(ErrRepositoryUnavailable, "parsing OCI reference %q: %v", ref, err)
	}
	if _, err := crane.Manifest(ref); err != nil {
		return nil, newDBError(ErrRepositoryUnavailable, "fetching manifest for %q: %v", ref, err)
	}
	img, err := remote.Image(imgRef)
	if err != nil {
		return nil, newDBError(ErrRepositoryUnavailable, "fetching image %q: %v", ref, err)
	}
	return &OCIRepository{ref: ref, img: img}, nil
}

// PackageBlob locates and returns the content of a package's cache-named
// blob ("packages/{name}-{version}.{digest8}.apk") within the image's
// layers, searching from the topmost layer down so a later layer's
// republish of the same package name wins.
func (o *OCIRepository) PackageBlob(pkg *Package) ([]byte, error) {
	return o.findFile("packages/" + CachePackageName(pkg))
}

// Index returns the APKINDEX blob for this repository's layers
// ("index/APKINDEX.{digest8}.tar.gz").
func (o *OCIRepository) Index(repo *Repository) ([]byte, error) {
	return o.findFile("index/" + CacheIndexName(repo))
}

func (o *OCIRepository) findFile(path string) ([]byte, error) {
	layers, err := o.img.Layers()
	if err != nil {
		return nil, fmt.Errorf("reading layers of %s: %w", o.ref, err)
	}

	for i := len(layers) - 1; i >= 0; i-- {
		rc, err := layers[i].Uncompressed()
		if err != nil {
			continue
		}
		content, found := findTarEntry(rc, path)
		rc.Close()
		if found {
			return content, nil
		}
	}
	return nil, newDBError(ErrIndexStale, "%s not found in any layer of %s", path, o.ref)
}

func findTarEntry(r io.Reader, targetPath string) ([]byte, bool) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if strings.TrimPrefix(hdr.Name, "/") != targetPath {
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	}
	return nil, false
}
