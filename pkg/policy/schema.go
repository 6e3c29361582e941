package policy

// documentSchema validates the shape of a policy document before it is
// decoded into typed rules. Structural errors surface as ErrLoad with the
// schema path, which is far more actionable than a zero-valued rule
// failing somewhere downstream.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "rules"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "min_monitor_version": {"type": "string"},
    "compliance_level": {"enum": ["lab", "test", "production"]},
    "require_clean_shutdown": {"type": "boolean"},
    "defaults": {
      "type": "object",
      "properties": {
        "debounce_count": {"type": "integer", "minimum": 1},
        "clear_count": {"type": "integer", "minimum": 1},
        "escalation_threshold": {"type": "integer", "minimum": 2},
        "sample_defaults": {"type": "object"}
      }
    },
    "allowed_bands": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["low", "high"],
        "properties": {
          "low": {"type": "number", "minimum": 0},
          "high": {"type": "number", "minimum": 0}
        }
      }
    },
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "parameter", "kind", "severity", "modules"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "parameter": {"type": "string", "minLength": 1},
          "kind": {"enum": ["range", "enum", "boolean", "expr", "band"]},
          "limit": {"type": "number"},
          "tolerance": {"type": "number", "minimum": 0},
          "allowed": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "expect": {"type": "boolean"},
          "expr": {"type": "string", "minLength": 1},
          "bands": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["low", "high"],
              "properties": {
                "low": {"type": "number"},
                "high": {"type": "number"}
              }
            }
          },
          "severity": {"enum": ["warning", "correction", "shutdown"]},
          "modules": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "target": {"type": "number"},
          "debounce_count": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`
