package signaling

import (
	"regexp"
	"strings"
)

var (
	roomIDPattern    = regexp.MustCompile(`^[a-z-]{1,24}-\d{6}$`)
	namespacePattern = regexp.MustCompile(`^[a-z-]{1,24}$`)
	codePattern      = regexp.MustCompile(`^\d{6}$`)
)

// ValidRoomID reports whether id has the form "{namespace}-{6 digits}".
func ValidRoomID(id string) bool { return roomIDPattern.MatchString(id) }

// ValidNamespace reports whether ns is 1-24 lowercase letters or hyphens.
func ValidNamespace(ns string) bool { return namespacePattern.MatchString(ns) }

// ValidCode reports whether code is the 6-digit part of a room id.
func ValidCode(code string) bool { return codePattern.MatchString(code) }

func RoomID(namespace, code string) string {
	return namespace + "-" + code
}

// SplitRoomID strips the "{namespace}-" prefix from id and returns the code.
func SplitRoomID(namespace, id string) (string, bool) {
	code, ok := strings.CutPrefix(id, namespace+"-")
	if !ok || !ValidCode(code) {
		return "", false
	}
	return code, true
}
