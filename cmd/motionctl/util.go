package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIntList splits a comma-separated flag value into ints, the same
// shape clock.go's handConfig parses out of a "stepper=4,17,27,22,3.0"
// config line, generalized to an arbitrary-length list.
func parseIntList(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%q: %v", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
