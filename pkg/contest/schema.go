package contest

// ConfigSchema is the JSON Schema a contest configuration must satisfy. Only
// the fields the service rewrites are constrained; everything else is passed
// through to the tabulation engine untouched.
const ConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["cvrFileSources"],
  "properties": {
    "cvrFileSources": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "filePath": {"type": "string"}
        }
      }
    }
  }
}`
