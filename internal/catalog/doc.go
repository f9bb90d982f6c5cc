// Package catalog loads the declarative description of a deployment: which
// content sources exist, the caches they install into, their fallbacks, and
// for in-memory sources the bundles they serve.
//
// Catalogs are YAML or TOML, picked by file extension:
//
//	caches:
//	  - name: default
//	    size: 1073741824
//	sources:
//	  - id: net
//	    type: remote
//	    url: https://content.example.com/cl-100
//	    cache: default
//	    fallback: disk
//	  - id: disk
//	    type: memory
//	    standby: true
//	    content_version: CL-100
//	    bundles:
//	      - name: base
//	        full_size: 4096
//
// A standby source is only created when another source falls back to it.
package catalog
