// Package verify runs Starlark scripts that confirm a deployment reached its
// expected effect after the pipeline's execute stage.
//
// A script defines verify(deployment) and returns None or True to pass, or
// False or a message to reject:
//
//	def verify(deployment):
//	    if deployment["state"] != "completed":
//	        return "deployment is " + deployment["state"]
//
// Scripts run sandboxed with a step limit and a timeout. The struct builtin
// and the json module are predeclared.
package verify
