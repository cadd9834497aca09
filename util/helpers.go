package util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

const GinContextKey string = "GinContextKey"

// Contains checks whether an item exists in a slice
func Contains[T comparable](s []T, item T) bool {
	for _, v := range s {
		if v == item {
			return true
		}
	}
	return false
}

// Dedupe removes duplicate elements from a slice, preserving the order of the remaining elements
func Dedupe[T comparable](src []T, filterInPlace bool) []T {
	var result []T
	if filterInPlace {
		result = src[:0]
	} else {
		result = make([]T, 0, len(src))
	}

	seen := make(map[T]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}

// MapWithoutError returns a new slice with the function applied to each element of the input slice
func MapWithoutError[T, U any](xs []T, f func(T) U) []U {
	result := make([]U, len(xs))
	for i, x := range xs {
		result[i] = f(x)
	}
	return result
}

// MapKeys returns the keys of a map as a slice in unspecified order
func MapKeys[K comparable, V any](m map[K]V) []K {
	result := make([]K, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	return result
}

// Chunk splits a slice into chunks of at most size elements
func Chunk[T any](xs []T, size int) [][]T {
	if size <= 0 {
		return [][]T{xs}
	}
	var chunks [][]T
	for size < len(xs) {
		xs, chunks = xs[size:], append(chunks, xs[:size:size])
	}
	if len(xs) > 0 {
		chunks = append(chunks, xs)
	}
	return chunks
}

// ToPointer returns a pointer to the given value
func ToPointer[T any](v T) *T {
	return &v
}

// FromPointer returns the value of a pointer, or the zero value if the pointer is nil
func FromPointer[T comparable](s *T) T {
	if s == nil {
		return *new(T)
	}
	return *s
}

// TruncateWithEllipsis truncates a string to the given length, appending an ellipsis if truncated
func TruncateWithEllipsis(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}

// StripNullBytes removes embedded U+0000 runes, which postgres cannot store in text columns
func StripNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// GinContextFromContext retrieves a gin.Context previously stored in the request context via middleware,
// or panics if no gin.Context is found
func GinContextFromContext(ctx context.Context) *gin.Context {
	// If the current context is already a gin context, return it
	if gc, ok := ctx.(*gin.Context); ok {
		return gc
	}

	gc, ok := ctx.Value(GinContextKey).(*gin.Context)
	if !ok {
		panic("gin.Context not found in current context")
	}

	return gc
}

// FindFile finds a file relative to the working directory by searching outward up to searchDepth levels
func FindFile(f string, searchDepth int) (string, error) {
	if _, err := os.Stat(f); err == nil {
		return f, nil
	}

	for i := 0; i < searchDepth; i++ {
		f = filepath.Join("..", f)
		if _, err := os.Stat(f); err == nil {
			return f, nil
		}
	}

	return "", fmt.Errorf("could not find file '%s' in path", f)
}

// MustFindFile panics if the file is not found up to a search depth of 5 levels
func MustFindFile(f string) string {
	found, err := FindFile(f, 5)
	if err != nil {
		panic(err)
	}
	return found
}

// VarNotSetTo panics if an environment variable is set to the given value
func VarNotSetTo(envVar, emptyVal string) {
	if viper.GetString(envVar) == emptyVal {
		panic(fmt.Sprintf("%s must be set (not set to '%s')", envVar, emptyVal))
	}
}
