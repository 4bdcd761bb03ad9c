package policy

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		reservedIDPolicy(),
		selfDependencyPolicy(),
		dependencyOverlapPolicy(),
		versionPolicy(),
	}
}

// reservedIDPolicy keeps modules from claiming names the host uses itself.
func reservedIDPolicy() Policy {
	return Policy{
		Name:        "reserved-id",
		Description: "Modules may not use or provide ids reserved by the host",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package modhost.policies.reserved

import rego.v1

reserved := {"host", "modhost", "core", "system"}

deny contains violation if {
	lower(input.module.id) in reserved
	violation := {
		"message": sprintf("module id '%s' is reserved by the host", [input.module.id]),
		"severity": "error",
	}
}

deny contains violation if {
	some alias in input.module.provides
	lower(alias) in reserved
	violation := {
		"message": sprintf("module '%s' may not provide reserved id '%s'", [input.module.id, alias]),
		"severity": "error",
	}
}
`,
	}
}

// selfDependencyPolicy rejects modules that hard-depend on themselves.
func selfDependencyPolicy() Policy {
	return Policy{
		Name:        "self-dependency",
		Description: "A module may not depend on itself",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"dependencies"},
		Rego: `package modhost.policies.selfdep

import rego.v1

deny contains violation if {
	input.module.id in input.module.dependencies
	violation := {
		"message": sprintf("module '%s' depends on itself", [input.module.id]),
		"severity": "error",
	}
}
`,
	}
}

// dependencyOverlapPolicy warns about ids listed as both hard and soft dependencies.
func dependencyOverlapPolicy() Policy {
	return Policy{
		Name:        "dependency-overlap",
		Description: "Warns when an id is both a hard and a soft dependency",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"dependencies"},
		Rego: `package modhost.policies.overlap

import rego.v1

deny contains violation if {
	some dep in input.module.dependencies
	dep in input.module.softDependencies
	violation := {
		"message": sprintf("'%s' is both a dependency and a soft dependency of '%s'", [dep, input.module.id]),
		"severity": "warning",
	}
}
`,
	}
}

// versionPolicy warns about modules without a version.
func versionPolicy() Policy {
	return Policy{
		Name:        "module-version",
		Description: "Warns when a module does not declare a version",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"versioning"},
		Rego: `package modhost.policies.version

import rego.v1

deny contains violation if {
	input.module.version == ""
	violation := {
		"message": sprintf("module '%s' does not declare a version", [input.module.id]),
		"severity": "warning",
	}
}
`,
	}
}
