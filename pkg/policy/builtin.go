package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		quantityLimitPolicy(),
		waitBudgetPolicy(),
		leaseLengthPolicy(),
		allowedTypesPolicy(),
		tagNamingPolicy(),
	}
}

// quantityLimitPolicy caps how many resources one request may reserve.
func quantityLimitPolicy() Policy {
	return Policy{
		Name:        "quantity-limit",
		Description: "Caps the number of resources a single request may reserve",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity"},
		Rego: `package envalloc.policies.quantity

import rego.v1

deny contains violation if {
	limit := data.envalloc.limits.max_quantity
	input.spec.quantity > limit
	violation := {
		"message": sprintf("quantity %d exceeds the limit of %d", [input.spec.quantity, limit]),
		"field": "quantity",
	}
}
`,
	}
}

// waitBudgetPolicy caps the wait timeout a request may ask for.
func waitBudgetPolicy() Policy {
	return Policy{
		Name:        "wait-budget",
		Description: "Caps the wait timeout a request may ask for",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"timeouts"},
		Rego: `package envalloc.policies.wait

import rego.v1

deny contains violation if {
	limit := data.envalloc.limits.max_wait_seconds
	input.spec.waitTimeoutSeconds > limit
	violation := {
		"message": sprintf("wait timeout of %ds exceeds the limit of %ds", [input.spec.waitTimeoutSeconds, limit]),
		"field": "waitTimeoutSeconds",
	}
}
`,
	}
}

// leaseLengthPolicy caps the lease length of a reservation.
func leaseLengthPolicy() Policy {
	return Policy{
		Name:        "lease-length",
		Description: "Caps the lease length of a reservation",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"timeouts"},
		Rego: `package envalloc.policies.lease

import rego.v1

deny contains violation if {
	limit := data.envalloc.limits.max_lease_seconds
	input.spec.leaseSeconds > limit
	violation := {
		"message": sprintf("lease of %ds exceeds the limit of %ds", [input.spec.leaseSeconds, limit]),
		"field": "leaseSeconds",
	}
}
`,
	}
}

// allowedTypesPolicy restricts requests to configured resource types.
func allowedTypesPolicy() Policy {
	return Policy{
		Name:        "allowed-types",
		Description: "Restricts requests to the configured resource types",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"inventory"},
		Rego: `package envalloc.policies.types

import rego.v1

deny contains violation if {
	allowed := data.envalloc.limits.allowed_types
	count(allowed) > 0
	not input.spec.type in allowed
	violation := {
		"message": sprintf("resource type '%s' is not offered", [input.spec.type]),
		"field": "type",
	}
}
`,
	}
}

// tagNamingPolicy flags capability tags that do not follow the naming
// convention. Catalog tags are lowercase, so such a tag never matches.
func tagNamingPolicy() Policy {
	return Policy{
		Name:        "tag-naming",
		Description: "Flags capability tags that are not lowercase alphanumerics, dots, dashes or underscores",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package envalloc.policies.tags

import rego.v1

deny contains violation if {
	some tag in input.spec.tags
	not regex.match("^[a-z0-9][a-z0-9._-]*$", tag)
	violation := {
		"message": sprintf("tag '%s' does not follow the naming convention", [tag]),
		"field": "tags",
	}
}
`,
	}
}
