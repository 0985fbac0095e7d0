// Package kernels holds the OpenCL C sources of the sample kernels run by the gocl command.
package kernels

import (
	"embed"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

//go:embed *.cl
var sources embed.FS

// Source file names, as accepted by Source.
const (
	Square      = "square.cl"
	Hello       = "hello.cl"
	Gaussian    = "gaussian.cl"
	Convolution = "convolution.cl"
)

// Source returns the contents of the named source file.
func Source(name string) (string, error) {
	contents, err := sources.ReadFile(name)
	if err != nil {
		return "", errors.Wrapf(err, "kernels.Source(%q): valid names are %v", name, Names())
	}
	return string(contents), nil
}

// MustSource is like Source, but panics on error. For the constants defined in this package it never fails.
func MustSource(name string) string {
	source, err := Source(name)
	if err != nil {
		panic(err)
	}
	return source
}

// Names returns the sorted names of all the sources.
func Names() []string {
	entries, err := sources.ReadDir(".")
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".cl") {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	return names
}
