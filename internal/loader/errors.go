package loader

import "fmt"

// ResolutionError signals that a specifier could not be mapped to a
// builtin or a loadable file.
type ResolutionError struct {
	Specifier string
	Reason    string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve module %q: %s", e.Specifier, e.Reason)
}

// PathDeniedError signals that a specifier resolved outside the scope
// root without a matching allow pattern.
type PathDeniedError struct {
	Path string
}

func (e *PathDeniedError) Error() string {
	return fmt.Sprintf("path denied: %s", e.Path)
}
