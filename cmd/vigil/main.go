// Vigil - policy gatekeeper between AI agents and network devices.
// Evaluate. Escalate. Execute. Roll back.
package main

func main() {
	Execute()
}
