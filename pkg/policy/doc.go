// Package policy provides Open Policy Agent (OPA) admission checks for
// environment requests.
//
// Every submitted RequirementSpec is evaluated against a set of Rego policies
// before a request record is created. A policy defines a deny set; each
// member is either a string or an object with message and field keys. Members
// of policies with error severity reject the request, the rest are reported
// as warnings.
//
// # Built-in Policies
//
//   - quantity-limit: caps Quantity at data.envalloc.limits.max_quantity
//   - wait-budget: caps WaitTimeoutSeconds at max_wait_seconds
//   - lease-length: caps LeaseSeconds at max_lease_seconds
//   - allowed-types: restricts Type to allowed_types when that list is set
//   - tag-naming: warns about tags that are not lowercase
//
// # Usage
//
//	engine, err := policy.NewEngine(logger, policy.DefaultLimits())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := engine.Admit(ctx, requestID, spec); err != nil {
//	    // alloc.KindInvalidRequirementSpec with code policy_denied
//	}
//
// Custom policies are loaded from .rego and .json files:
//
//	package envalloc.custom.gpu
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.spec.type == "gpu"
//	    input.spec.quantity > 2
//	    msg := "at most two GPUs per request"
//	}
//
// A bare .rego file is a blocking policy named after the file. A .json file
// carries the full Policy definition. WatchPolicies reloads a policy
// directory whenever a file in it changes.
package policy
