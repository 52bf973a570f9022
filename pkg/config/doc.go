// Package config loads the mintflow application configuration and validates
// request documents against CUE schemas.
//
// Configuration is a YAML file laid over Default() and checked with
// go-playground/validator struct tags. The MINTFLOW_DB environment variable
// overrides the database path:
//
//	database:
//	  path: /var/lib/mintflow/mintflow.db
//	idempotency:
//	  ttl: 24h
//	  sweep_probability: 0.01
//	policy:
//	  paths: [/etc/mintflow/policies]
//	  watch: true
//	  allowed_networks:
//	    starter: [sepolia, amoy]
//	    pro: [ethereum, sepolia, polygon, base]
//	verify:
//	  script: /etc/mintflow/verify.star
//	compliance:
//	  kyc_status: verified
//	  plan: starter
//	  quota: 10
//
// The SchemaRegistry ships the #TokenDeployment definition; further
// definitions can be registered from CUE source or files.
package config
