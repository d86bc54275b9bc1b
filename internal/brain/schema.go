package brain

// fn builds one function tool definition in the responses-protocol shape.
// Every parameter is required and extra properties are rejected; lenient
// schemas make some models emit sloppy arguments.
func fn(name, description string, props map[string]interface{}, required []string) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":        "function",
		"name":        name,
		"description": description,
		"parameters": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties":           props,
			"required":             required,
		},
	}
}

func str() map[string]interface{}  { return map[string]interface{}{"type": "string"} }
func boolT() map[string]interface{} { return map[string]interface{}{"type": "boolean"} }
func intT() map[string]interface{}  { return map[string]interface{}{"type": "integer"} }
func numT() map[string]interface{}  { return map[string]interface{}{"type": "number"} }

// responsesTools is the function tool surface offered to the model in the
// tool loop.
func responsesTools() []map[string]interface{} {
	return []map[string]interface{}{
		fn("list_dir", "List files/directories under the user root (safe alternative to `ls`).",
			map[string]interface{}{"path": str(), "show_hidden": boolT(), "limit": intT()},
			[]string{"path", "show_hidden", "limit"}),
		fn("read_file", "Read a UTF-8 text file under the user root.",
			map[string]interface{}{"path": str(), "max_bytes": intT()},
			[]string{"path", "max_bytes"}),
		fn("device_api", "Invoke an allowlisted local device API action.",
			map[string]interface{}{
				"action": map[string]interface{}{
					"type": "string",
					"enum": []string{
						"python.status",
						"python.restart",
						"sshd.status",
						"sshd.config",
						"sshd.pin.status",
						"sshd.pin.start",
						"sshd.pin.stop",
						"usb.list",
						"usb.open",
						"usb.close",
						"usb.control_transfer",
						"usb.raw_descriptors",
						"usb.claim_interface",
						"usb.release_interface",
						"usb.bulk_transfer",
						"brain.memory.get",
						"brain.memory.set",
					},
				},
				"payload": map[string]interface{}{"type": "object", "additionalProperties": true},
				"detail":  str(),
			},
			[]string{"action", "payload", "detail"}),
		fn("memory_get", "Read persistent memory (notes) stored on the device.", nil, nil),
		fn("memory_set", "Replace persistent memory (notes) stored on the device.",
			map[string]interface{}{"content": str()},
			[]string{"content"}),
		fn("run_python", "Run Python locally (equivalent to: python <args>) within the user directory.",
			map[string]interface{}{"args": str(), "cwd": str()},
			[]string{"args", "cwd"}),
		fn("run_pip", "Run pip locally (equivalent to: pip <args>) within the user directory.",
			map[string]interface{}{"args": str(), "cwd": str()},
			[]string{"args", "cwd"}),
		fn("run_curl", "Run curl locally (equivalent to: curl <args>) within the user directory.",
			map[string]interface{}{"args": str(), "cwd": str()},
			[]string{"args", "cwd"}),
		fn("web_search", "Search the web (permission-gated).",
			map[string]interface{}{"query": str(), "max_results": intT(), "provider": str()},
			[]string{"query", "max_results"}),
		fn("write_file", "Write UTF-8 text file under user root.",
			map[string]interface{}{"path": str(), "content": str()},
			[]string{"path", "content"}),
		fn("mkdir", "Create a directory under the user root.",
			map[string]interface{}{"path": str(), "parents": boolT()},
			[]string{"path", "parents"}),
		fn("move_path", "Move/rename a file or directory within the user root.",
			map[string]interface{}{"src": str(), "dst": str(), "overwrite": boolT()},
			[]string{"src", "dst", "overwrite"}),
		fn("delete_path", "Delete a file or directory under the user root.",
			map[string]interface{}{"path": str(), "recursive": boolT()},
			[]string{"path", "recursive"}),
		fn("sleep", "Pause execution for a small delay.",
			map[string]interface{}{"seconds": numT()},
			[]string{"seconds"}),
	}
}
