package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["pluginId", "name", "version", "entryPoint"],
  "properties": {
    "pluginId": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9.-]*$",
      "description": "Globally unique plugin identifier (reverse-domain form)"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$",
      "description": "Semver version"
    },
    "description": {
      "type": "string",
      "description": "Plugin description"
    },
    "author": {
      "type": "string",
      "description": "Plugin author"
    },
    "entryPoint": {
      "type": "string",
      "minLength": 1,
      "description": "Worker executable, relative to the plugin directory"
    },
    "commands": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "label"],
        "properties": {
          "name": {
            "type": "string",
            "minLength": 1
          },
          "label": {
            "type": "string",
            "minLength": 1
          },
          "description": {
            "type": "string"
          },
          "payloadSchema": {
            "type": "object",
            "description": "JSON Schema for the command payload"
          }
        }
      }
    }
  }
}`
