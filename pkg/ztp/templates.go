package ztp

// Per-family config templates. Rendering is deliberately plain text/template
// over a small parameter struct so regenerating with equal inputs yields
// byte-identical files.

const veosZTPScript = `#!/bin/sh
# Arista vEOS zero-touch bootstrap. Fetched over TFTP by the ZTP agent.
SERVER="{{.BootServerIP}}"
HOST=$(FastCli -p 15 -c "show hostname" | awk '/Hostname/ {print $2}')
wget -q -O /mnt/flash/startup-config "http://$SERVER/arista/$HOST-startup-config"
FastCli -p 15 -c "copy flash:startup-config running-config"
exit 0
`

const junosZTPScript = `#!/bin/sh
# Juniper vEvolved phone-home bootstrap.
SERVER="{{.BootServerIP}}"
HOST=$(hostname)
curl -s -o /var/tmp/juniper.conf "http://$SERVER/juniper/$HOST-juniper.conf"
cli -c "configure; load override /var/tmp/juniper.conf; commit and-quit"
exit 0
`

const aristaStartupConfig = `hostname {{.Hostname}}
ip name-server{{range .DNS}} {{.}}{{end}}
!
{{range $u := .Users}}username {{$u.Username}} privilege 15 secret {{$u.Password}}
{{range $u.SSHKeys}}username {{$u.Username}} ssh-key {{.}}
{{end}}{{end}}!
interface {{.MgmtInterface}}
   ip address dhcp
   no shutdown
!
management api http-commands
   no shutdown
!
management ssh
   no shutdown
!
end
`

const arubaConfig = `hostname {{.Hostname}}
{{range .DNS}}ip dns server-address {{.}}
{{end}}!
{{range $u := .Users}}user {{$u.Username}} group administrators password plaintext {{$u.Password}}
{{range $u.SSHKeys}}user {{$u.Username}} authorized-key {{.}}
{{end}}{{end}}!
interface mgmt
    no shutdown
    ip dhcp
!
ssh server vrf mgmt
https-server vrf mgmt
`

const cumulusConfig = `# Cumulus Linux initial configuration for {{.Hostname}}
hostname {{.Hostname}}
{{range .DNS}}nameserver {{.}}
{{end}}
{{range $u := .Users}}adduser --disabled-password --gecos "" {{$u.Username}}
echo "{{$u.Username}}:{{$u.Password}}" | chpasswd
{{range $u.SSHKeys}}echo "{{.}}" >> /home/{{$u.Username}}/.ssh/authorized_keys
{{end}}{{end}}
net add interface eth0 ip address dhcp
net commit
`

const ciscoIOSConfig = `hostname {{.Hostname}}
!
{{range .DNS}}ip name-server {{.}}
{{end}}ip domain name lab.local
!
{{range .Users}}username {{.Username}} privilege 15 secret {{.Password}}
{{end}}!
crypto key generate rsa modulus 2048
ip ssh version 2
!
ip ssh pubkey-chain
{{range $u := .Users}}  username {{$u.Username}}
{{range $u.SSHKeyHashes}}   key-hash ssh-rsa {{.}}
{{end}}  exit
{{end}} exit
!
interface {{.MgmtInterface}}
 ip address dhcp
 no shutdown
!
line vty 0 4
 login local
 transport input ssh
!
end
`

const junosConfig = `system {
    host-name {{.Hostname}};
    name-server {
{{range .DNS}}        {{.}};
{{end}}    }
    login {
{{range $u := .Users}}        user {{$u.Username}} {
            class super-user;
            authentication {
{{range $u.SSHKeys}}                ssh-rsa "{{.}}";
{{end}}            }
        }
{{end}}    }
    services {
        ssh;
        netconf {
            ssh;
        }
    }
}
interfaces {
    {{.MgmtInterface}} {
        unit 0 {
            family inet {
                dhcp;
            }
        }
    }
}
`

// dnsmasq.conf for the per-lab boot container. DHCP answers only on the
// management interface; TFTP and the tag rules below steer each device
// family to its boot file.
const dnsmasqConf = `port=0
interface=eth0
bind-interfaces
dhcp-range={{.PoolStart}},{{.PoolEnd}},255.255.255.0,12h
dhcp-option=option:router,{{.GatewayIP}}
{{if .DNS}}dhcp-option=option:dns-server,{{join .DNS ","}}
{{end}}enable-tftp
tftp-root=/var/lib/tftpboot

# family tags by MAC prefix
{{range .Families}}dhcp-mac=set:{{.Tag}},{{.OUIPrefix}}:*:*:*
{{end}}
# per-family boot file (option 67) and TFTP server (option 150)
{{range .Families}}{{if .BootFile}}dhcp-boot=tag:{{.Tag}},{{.BootFile}},,{{$.BootServerIP}}
dhcp-option=tag:{{.Tag}},150,{{$.BootServerIP}}
{{end}}{{end}}
# deterministic node leases
{{range .Hosts}}dhcp-host={{.MAC}},{{.IPv4}},{{.Hostname}}
{{end}}
# boot server reservation
dhcp-host={{.BootServerMAC}},{{.BootServerIP}},boot-server
`
