// Command cmisync is a two-way file synchronization client for CMIS content
// repositories (AtomPub binding).
package main

func main() {
	execute()
}
