package schema

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/trigger"
	"github.com/pgkv/pgkv/pkg/types"
)

//go:embed schema.json
var configSchemaDoc []byte

var configSchema = mustCompileConfigSchema()

func mustCompileConfigSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(configSchemaDoc)))
	if err != nil {
		panic(fmt.Sprintf("schema: invalid embedded bucket-config schema: %v", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("bucket-config.json", doc); err != nil {
		panic(fmt.Sprintf("schema: cannot register bucket-config schema: %v", err))
	}
	sch, err := c.Compile("bucket-config.json")
	if err != nil {
		panic(fmt.Sprintf("schema: cannot compile bucket-config schema: %v", err))
	}
	return sch
}

// nameRegex enforces spec §3: "name matching ^[A-Za-z][A-Za-z0-9_]{0,62}$".
var nameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// reservedNames are bucket names spec §6 forbids clients from using.
var reservedNames = map[string]bool{
	"moray":  true,
	"search": true,
}

// Validate checks a bucket name and raw JSON config document against
// spec §4.C, then resolves its trigger names against reg and returns the
// strongly-typed descriptor. raw is the config exactly as decoded by
// encoding/json (map[string]interface{}, []interface{}, float64, ...).
func Validate(name string, raw map[string]interface{}, reg *trigger.Registry) (*BucketDescriptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if err := configSchema.Validate(raw); err != nil {
		return nil, kverrors.Wrap(kverrors.CodeInvalidBucketConfig, "bucket config failed schema validation", err)
	}

	index, err := parseIndex(raw["index"])
	if err != nil {
		return nil, err
	}

	options, err := parseOptions(raw["options"])
	if err != nil {
		return nil, err
	}

	pre, err := parseTriggerList(raw["pre"])
	if err != nil {
		return nil, err
	}
	post, err := parseTriggerList(raw["post"])
	if err != nil {
		return nil, err
	}

	if reg != nil {
		if _, err := reg.ResolveAll(pre); err != nil {
			return nil, err
		}
		if _, err := reg.ResolveAll(post); err != nil {
			return nil, err
		}
	}

	return &BucketDescriptor{
		Name:    name,
		Index:   index,
		Pre:     pre,
		Post:    post,
		Options: options,
	}, nil
}

// ValidateName rejects a bucket name failing the name regex or matching a
// reserved identifier (spec §4.C "Rejects with InvalidBucketName").
func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return kverrors.Wrap(kverrors.CodeInvalidBucketName,
			fmt.Sprintf("bucket name %q does not match ^[A-Za-z][A-Za-z0-9_]{0,62}$", name), nil)
	}
	if reservedNames[strings.ToLower(name)] {
		return kverrors.Wrap(kverrors.CodeInvalidBucketName,
			fmt.Sprintf("bucket name %q is reserved", name), nil)
	}
	return nil
}

func parseIndex(raw interface{}) (map[string]FieldDescriptor, error) {
	if raw == nil {
		return map[string]FieldDescriptor{}, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, kverrors.New(kverrors.CodeInvalidBucketConfig, "index must be an object")
	}

	out := make(map[string]FieldDescriptor, len(obj))
	for field, v := range obj {
		sub, ok := v.(map[string]interface{})
		if !ok {
			return nil, kverrors.New(kverrors.CodeInvalidBucketConfig,
				fmt.Sprintf("index[%q] must be an object", field))
		}

		for key := range sub {
			if key != "type" && key != "unique" {
				return nil, kverrors.New(kverrors.CodeInvalidBucketConfig,
					fmt.Sprintf("index[%q] has unknown key %q", field, key))
			}
		}

		typeStr, ok := sub["type"].(string)
		if !ok {
			return nil, kverrors.New(kverrors.CodeInvalidBucketConfig,
				fmt.Sprintf("index[%q].type must be a string", field))
		}
		ft, err := types.ParseFieldType(typeStr)
		if err != nil {
			return nil, kverrors.New(kverrors.CodeInvalidBucketConfig,
				fmt.Sprintf("index[%q] has unknown type %q", field, typeStr))
		}

		unique := false
		if rawUnique, present := sub["unique"]; present {
			b, ok := rawUnique.(bool)
			if !ok {
				return nil, kverrors.New(kverrors.CodeInvalidBucketConfig,
					fmt.Sprintf("index[%q].unique must be a boolean", field))
			}
			unique = b
		}

		out[field] = FieldDescriptor{Type: ft, Unique: unique}
	}
	return out, nil
}

func parseOptions(raw interface{}) (Options, error) {
	if raw == nil {
		return Options{Version: 0}, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return Options{}, kverrors.New(kverrors.CodeInvalidBucketConfig, "options must be an object")
	}

	rawVersion, present := obj["version"]
	if !present {
		return Options{Version: 0}, nil
	}

	f, ok := rawVersion.(float64)
	if !ok || f != float64(int(f)) {
		return Options{}, kverrors.New(kverrors.CodeInvalidBucketConfig, "options.version must be an integer")
	}
	return Options{Version: int(f)}, nil
}

func parseTriggerList(raw interface{}) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, kverrors.New(kverrors.CodeInvalidBucketConfig, "trigger list must be an array")
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, kverrors.New(kverrors.CodeInvalidBucketConfig, "trigger name must be a string")
		}
		out = append(out, s)
	}
	return out, nil
}
