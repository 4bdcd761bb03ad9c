// Package policy provides Open Policy Agent (OPA) admission control for modules.
//
// Before a module is handed to its loader strategy, its validated manifest is
// evaluated against a set of Rego policies. Each policy declares a package
// with a deny set; every entry of the set is a violation. Violations with
// severity "error" or "critical" refuse the module, anything else is logged
// as a warning.
//
// # Built-in Policies
//
//   - reserved-id: ids and aliases reserved by the host (error)
//   - self-dependency: a module listing itself as a dependency (error)
//   - dependency-overlap: an id that is both a hard and a soft dependency (warning)
//   - module-version: a manifest without a version (warning)
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	if err := engine.Admit(ctx, manifest); err != nil {
//	    // module refused
//	}
//
// # Writing Policies
//
// Policies see the manifest as input.module and the evaluation context as
// input.context:
//
//	package modhost.policies.vendor
//
//	import rego.v1
//
//	deny contains violation if {
//	    not startswith(input.module.id, "acme-")
//	    violation := {
//	        "message": sprintf("module '%s' is not an acme module", [input.module.id]),
//	        "severity": "error",
//	    }
//	}
//
// Policy files may be .rego sources, named after the file, or .json/.yaml
// definitions carrying the Rego source in a "rego" field.
package policy
