package core

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// StagesJSON renders the stages as a relaxed Extended JSON array
func StagesJSON(stages []bson.D) (string, error) {
	var sb strings.Builder
	// estimated size
	sb.Grow(len(stages) * 64)

	sb.WriteByte('[')
	for i, s := range stages {
		b, err := bson.MarshalExtJSON(s, false, false)
		if err != nil {
			return "", err
		}
		if i != 0 {
			sb.WriteByte(',')
		}
		sb.Write(b)
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

// PrettyStagesJSON is StagesJSON indented for reading
func PrettyStagesJSON(stages []bson.D) (string, error) {
	s, err := StagesJSON(stages)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
