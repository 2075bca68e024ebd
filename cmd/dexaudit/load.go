package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"dexaudit/internal/dex"
	"dexaudit/internal/repo"
)

// loadRepo registers system classes first, then the app, and seals the
// repository.
func loadRepo(app string, system string) (*repo.Repo, error) {
	rp := repo.New()
	if system != "" {
		for _, p := range strings.Split(system, ",") {
			if err := register(rp, p, repo.OriginSystem); err != nil {
				return nil, err
			}
		}
	}
	if err := register(rp, app, repo.OriginApp); err != nil {
		return nil, err
	}
	if err := rp.Close(); err != nil {
		return nil, err
	}
	return rp, nil
}

func register(rp *repo.Repo, p string, origin repo.Origin) error {
	files, err := openDexes(p)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := rp.Register(f, origin); err != nil {
			return err
		}
	}
	return nil
}

// openDexes reads one container: a bare DEX file, or an APK whose
// classes*.dex entries are all parsed in name order.
func openDexes(p string) ([]*dex.File, error) {
	if isZip(p) {
		return openAPK(p)
	}
	f, err := dex.Open(p)
	if err != nil {
		return nil, err
	}
	return []*dex.File{f}, nil
}

func isZip(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic[0] == 'P' && magic[1] == 'K'
}

func openAPK(p string) ([]*dex.File, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer zr.Close()

	var names []string
	entries := make(map[string]*zip.File)
	for _, zf := range zr.File {
		name := path.Base(zf.Name)
		if path.Dir(zf.Name) != "." || !strings.HasPrefix(name, "classes") ||
			!strings.HasSuffix(name, ".dex") {
			continue
		}
		names = append(names, zf.Name)
		entries[zf.Name] = zf
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no classes*.dex entries", p)
	}
	sort.Strings(names)

	var out []*dex.File
	for _, name := range names {
		rc, err := entries[name].Open()
		if err != nil {
			return nil, fmt.Errorf("open %s!%s: %w", p, name, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s!%s: %w", p, name, err)
		}
		f, err := dex.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s!%s: %w", p, name, err)
		}
		out = append(out, f)
	}
	return out, nil
}
