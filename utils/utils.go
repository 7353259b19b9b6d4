package utils

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/finch-technologies/queue-drain/log"
)

func Map[T, V any](ts []T, fn func(T) V) []V {
	result := make([]V, len(ts))
	for i, t := range ts {
		result[i] = fn(t)
	}
	return result
}

func Filter[T any](ss []T, test func(T, int) bool) (res []T) {
	for i, s := range ss {
		if test(s, i) {
			res = append(res, s)
		}
	}
	return
}

func Contains[T comparable](s []T, e T) bool {
	for _, a := range s {
		if a == e {
			return true
		}
	}
	return false
}

// Chunk splits s into consecutive slices of at most size elements.
func Chunk[T any](s []T, size int) [][]T {
	if size <= 0 || len(s) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(s)+size-1)/size)
	for size < len(s) {
		s, chunks = s[size:], append(chunks, s[:size:size])
	}

	return append(chunks, s)
}

// SHA1Hex returns the lowercase hex sha1 of the parts joined by "|".
func SHA1Hex(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Try wraps a goroutine and will recover from a panic
// If a logger is provided, it will log the error using the given logger
func Try(f func(), logger ...log.LoggerInterface) {
	defer func() {
		if err := recover(); err != nil {
			if len(logger) > 0 {
				logger[0].ErrorStack(string(debug.Stack()), "%v", err)
			}
		}
	}()

	f()
}

// TryCatch wraps a goroutine and will recover from a panic
// It will pass the error message to the catch function on panic
func TryCatch(f func(), catch func(e error, stackTrace string)) {
	defer func() {
		if err := recover(); err != nil {
			if _, ok := err.(error); ok {
				catch(err.(error), string(debug.Stack()))
			} else {
				catch(fmt.Errorf("%v", err), string(debug.Stack()))
			}
		}
	}()

	f()
}

func DurationOrDefault(value, defaultValue time.Duration) time.Duration {
	if value == 0 {
		return defaultValue
	}
	return value
}

func StringOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func StringToIntOrDefault(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}

func StringToBoolOrDefault(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func StringToFloatOrDefault(value string, defaultValue float64) float64 {
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func StringToDurationOrDefault(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func Sleep(ctx context.Context, delay time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

/*
MergeObjects merges two objects of the same type.
It will iterate over the fields of the object and set the value of objA to the value of objB if the value of objA is the zero value.
*/
func MergeObjects[T any](objA *T, objB T) {

	if objA == nil {
		return
	}

	//If objA type is not a pointer to a struct, return
	if reflect.TypeOf(objA).Elem().Kind() != reflect.Struct {
		return
	}

	fields := reflect.TypeOf(objA).Elem()
	objAValue := reflect.ValueOf(objA).Elem()
	objBValue := reflect.ValueOf(objB)

	for i := 0; i < fields.NumField(); i++ {
		if !fields.Field(i).IsExported() {
			continue
		}
		if objAValue.Field(i).IsZero() {
			objAValue.Field(i).Set(objBValue.Field(i))
		}
	}
}
