// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

// SurfaceKind is the three-value error taxonomy exposed at the Query/Subscribe
// surface: not_found, invalid_input, unavailable.
type SurfaceKind string

const (
	SurfaceNotFound     SurfaceKind = "not_found"
	SurfaceInvalidInput SurfaceKind = "invalid_input"
	SurfaceUnavailable  SurfaceKind = "unavailable"
	SurfaceInternal     SurfaceKind = "internal"
)

// Surface projects the internal Kind taxonomy onto the surface's tagged enum.
func Surface(err error) (SurfaceKind, bool) {
	switch GetKind(err) {
	case KindNotFound:
		return SurfaceNotFound, true
	case KindValidation:
		return SurfaceInvalidInput, true
	case KindUnavailable, KindTimeout:
		return SurfaceUnavailable, true
	case KindInternal, KindPermission, KindConflict:
		return SurfaceInternal, true
	default:
		return "", false
	}
}
