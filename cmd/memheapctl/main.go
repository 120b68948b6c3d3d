// Command memheapctl runs allocation workloads against the memheap allocators.
package main

func main() {
	execute()
}
