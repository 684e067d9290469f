// Package membrane isolates guest script from host-built object graphs
// inside a shared goja runtime.
//
// Host objects are never handed to the guest directly. Registration
// materializes a member-wise proxy whose accessors enforce, on every
// access, termination state, access policy and value translation. Identity
// tables keep wrapping referentially stable in both directions: the same
// host object always wraps to the same proxy, and a proxy passed back into
// a host call unwraps to the original target. Constructor functions become
// native constructor proxies with parallel prototype chains so instanceof
// and inheritance keep working across the boundary.
//
// Retention is per registration: Add pins the pair for the membrane's
// lifetime, Proxy and WeakProxy let the pair disappear with the host
// object. Terminate atomically invalidates every wrapper; proxies the
// guest still holds become inert and throw on access.
package membrane
