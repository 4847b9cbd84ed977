package genai

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/gemcall/gemcall/pkg/api"
)

// NormalizeContents accepts the flexible input union and returns canonical
// turns. Accepted shapes:
//
//	string                  one user turn with a text part
//	api.Part / []api.Part   one user turn
//	api.Content             one turn
//	[]api.Content           passed through
//	map[string]any          one turn or one part, by shape
//	[]any                   elements of any shape above
//
// Inline-data parts with no MIME type get one sniffed from magic bytes.
// Anything else is a *ValidationError; downstream code never sees loose
// shapes.
func NormalizeContents(input any) ([]api.Content, error) {
	contents, err := normalize(input)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, &ValidationError{Field: "contents", Msg: "no content provided"}
	}
	for i := range contents {
		if contents[i].Role == "" {
			contents[i].Role = api.RoleUser
		}
		sniffParts(contents[i].Parts)
	}
	return contents, nil
}

func normalize(input any) ([]api.Content, error) {
	switch v := input.(type) {
	case nil:
		return nil, &ValidationError{Field: "contents", Msg: "content is nil"}
	case string:
		return []api.Content{api.UserContent(api.TextPart(v))}, nil
	case api.Part:
		return []api.Content{api.UserContent(v)}, nil
	case *api.Part:
		return []api.Content{api.UserContent(*v)}, nil
	case []api.Part:
		return []api.Content{api.UserContent(v...)}, nil
	case api.Content:
		return []api.Content{v}, nil
	case *api.Content:
		return []api.Content{*v}, nil
	case []api.Content:
		return v, nil
	case map[string]any:
		return normalizeMap(v)
	case []any:
		return normalizeSlice(v)
	default:
		return nil, &ValidationError{Field: "contents", Msg: fmt.Sprintf("unsupported content type %T", input)}
	}
}

func normalizeSlice(items []any) ([]api.Content, error) {
	var contents []api.Content
	var pendingParts []api.Part

	flush := func() {
		if len(pendingParts) > 0 {
			contents = append(contents, api.UserContent(pendingParts...))
			pendingParts = nil
		}
	}

	for i, item := range items {
		switch v := item.(type) {
		case string:
			pendingParts = append(pendingParts, api.TextPart(v))
		case api.Part:
			pendingParts = append(pendingParts, v)
		case api.Content:
			flush()
			contents = append(contents, v)
		case map[string]any:
			if isContentMap(v) {
				flush()
				sub, err := normalizeMap(v)
				if err != nil {
					return nil, err
				}
				contents = append(contents, sub...)
			} else {
				part, err := decodePart(v)
				if err != nil {
					return nil, &ValidationError{Field: "contents", Msg: fmt.Sprintf("element %d: %v", i, err)}
				}
				pendingParts = append(pendingParts, part)
			}
		default:
			return nil, &ValidationError{Field: "contents", Msg: fmt.Sprintf("element %d has unsupported type %T", i, item)}
		}
	}
	flush()
	return contents, nil
}

func normalizeMap(m map[string]any) ([]api.Content, error) {
	if isContentMap(m) {
		var content api.Content
		if err := decodeLoose(m, &content); err != nil {
			return nil, &ValidationError{Field: "contents", Msg: err.Error()}
		}
		return []api.Content{content}, nil
	}
	part, err := decodePart(m)
	if err != nil {
		return nil, &ValidationError{Field: "contents", Msg: err.Error()}
	}
	return []api.Content{api.UserContent(part)}, nil
}

// isContentMap distinguishes a content-turn map from a part map: turns
// carry a parts list.
func isContentMap(m map[string]any) bool {
	_, hasParts := m["parts"]
	return hasParts
}

func decodePart(m map[string]any) (api.Part, error) {
	var part api.Part
	if err := decodeLoose(m, &part); err != nil {
		return api.Part{}, err
	}
	if part == (api.Part{}) {
		return api.Part{}, fmt.Errorf("map is not a recognizable part: %v", m)
	}
	return part, nil
}

// decodeLoose maps provider-native JSON-ish maps onto wire structs. The
// hook turns base64 strings into the []byte fields inline-data uses.
func decodeLoose(m map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
		DecodeHook: mapstructure.DecodeHookFuncType(func(from, to reflect.Type, v any) (any, error) {
			if from.Kind() == reflect.String && to == reflect.TypeOf([]byte(nil)) {
				return base64.StdEncoding.DecodeString(v.(string))
			}
			return v, nil
		}),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m)
}

// sniffParts fills missing inline-data MIME types from magic bytes.
func sniffParts(parts []api.Part) {
	for i := range parts {
		if parts[i].InlineData != nil && parts[i].InlineData.MIMEType == "" {
			parts[i].InlineData.MIMEType = detectMediaType(parts[i].InlineData.Data)
		}
	}
}

// detectMediaType sniffs image formats from file signatures.
func detectMediaType(data []byte) string {
	switch {
	case len(data) >= 8 &&
		data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 &&
		data[4] == 0x0D && data[5] == 0x0A && data[6] == 0x1A && data[7] == 0x0A:
		return "image/png"
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 4 &&
		data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38:
		return "image/gif"
	case len(data) >= 12 &&
		data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// normalizeSystemInstruction converts the string|Content union.
func normalizeSystemInstruction(v any) (*api.Content, error) {
	switch si := v.(type) {
	case nil:
		return nil, nil
	case string:
		if si == "" {
			return nil, nil
		}
		content := api.Content{Parts: []api.Part{api.TextPart(si)}}
		return &content, nil
	case api.Content:
		return &si, nil
	case *api.Content:
		return si, nil
	default:
		return nil, &ValidationError{Field: "system_instruction", Msg: fmt.Sprintf("unsupported type %T", v)}
	}
}
